package laboratory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/platform/metrics"
	"github.com/ehr/lis/internal/platform/notify"
)

// DispatcherConfig tunes delivery of critical alerts.
type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	SweepInterval  time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 30 * c.BaseBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// backoff returns the wait before retry number attempt (1-based).
func (c DispatcherConfig) backoff(attempt int) time.Duration {
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Dispatcher delivers critical alerts to every configured channel at least
// once. Alerts are persisted before delivery so undelivered ones survive a
// restart and are picked up by the sweeper. An alert whose insert fails is
// held in memory and retried until it is stored.
type Dispatcher struct {
	alerts    AlertRepository
	channels  []notify.Channel
	directory Directory
	templates *notify.TemplateEngine
	metrics   *metrics.Registry
	logger    zerolog.Logger
	cfg       DispatcherConfig
	now       func() time.Time

	queue    chan uuid.UUID
	mu       sync.Mutex
	inflight map[uuid.UUID]bool
	unsaved  map[uuid.UUID]*CriticalAlert
	runCtx   context.Context
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherDirectory(d Directory) DispatcherOption {
	return func(x *Dispatcher) { x.directory = d }
}

func WithDispatcherMetrics(m *metrics.Registry) DispatcherOption {
	return func(x *Dispatcher) { x.metrics = m }
}

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(x *Dispatcher) { x.logger = l }
}

func WithTemplates(t *notify.TemplateEngine) DispatcherOption {
	return func(x *Dispatcher) { x.templates = t }
}

func NewDispatcher(alerts AlertRepository, channels []notify.Channel, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		alerts:    alerts,
		channels:  channels,
		templates: notify.NewTemplateEngine(),
		logger:    zerolog.Nop(),
		cfg:       cfg,
		now:       time.Now,
		queue:     make(chan uuid.UUID, cfg.QueueSize),
		inflight:  make(map[uuid.UUID]bool),
		unsaved:   make(map[uuid.UUID]*CriticalAlert),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool and the sweeper. They stop when ctx is
// cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Add(1)
	go d.sweeper(ctx)
	d.logger.Info().
		Int("workers", d.cfg.Workers).
		Int("channels", len(d.channels)).
		Msg("critical alert dispatcher started")
}

// Stop cancels the workers and waits for in-flight deliveries to return.
// Alerts still held in memory are logged so they can be recovered by hand.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, a := range d.unsaved {
		d.logger.Error().
			Str("alert_id", id.String()).
			Str("request_id", a.RequestID.String()).
			Str("patient_ref", a.PatientRef).
			Msg("critical alert never persisted")
	}
}

// Notify records the alert and queues it for delivery. It never blocks on
// delivery and never fails: a full queue only delays the alert until the
// next sweep, and a storage error keeps it in memory while the insert is
// retried with backoff.
func (d *Dispatcher) Notify(ctx context.Context, alert *CriticalAlert) {
	if alert.Status == "" {
		alert.Status = AlertPending
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = d.now().UTC()
	}
	if err := d.persist(context.WithoutCancel(ctx), alert); err != nil {
		d.logger.Error().Err(err).
			Str("alert_id", alert.ID.String()).
			Str("request_id", alert.RequestID.String()).
			Msg("persist critical alert, retrying in background")
		d.holdUnsaved(alert)
		return
	}
	d.enqueue(alert.ID)
}

// persist inserts the alert. An insert that reports an error but did reach
// the table counts as stored.
func (d *Dispatcher) persist(ctx context.Context, a *CriticalAlert) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	err := d.alerts.Create(ctx, a)
	if err == nil {
		return nil
	}
	if _, gerr := d.alerts.GetByID(ctx, a.ID); gerr == nil {
		return nil
	}
	return err
}

func (d *Dispatcher) holdUnsaved(a *CriticalAlert) {
	cp := *a
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsaved[a.ID] = &cp
	if d.runCtx == nil || d.stopped {
		return
	}
	d.wg.Add(1)
	go d.retryPersist(d.runCtx, a.ID)
}

func (d *Dispatcher) retryPersist(ctx context.Context, id uuid.UUID) {
	defer d.wg.Done()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.backoff(attempt)):
		}
		d.flushUnsaved(ctx, id)
		if !d.holding(id) {
			return
		}
	}
}

func (d *Dispatcher) holding(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.unsaved[id]
	return ok
}

// flushUnsaved tries once to store an alert held in memory and queues it on
// success. It reports whether this call stored it.
func (d *Dispatcher) flushUnsaved(ctx context.Context, id uuid.UUID) bool {
	d.mu.Lock()
	a, ok := d.unsaved[id]
	delete(d.unsaved, id)
	d.mu.Unlock()
	if !ok {
		return false
	}
	if err := d.persist(context.WithoutCancel(ctx), a); err != nil {
		d.mu.Lock()
		d.unsaved[id] = a
		d.mu.Unlock()
		d.logger.Warn().Err(err).Str("alert_id", id.String()).Msg("persist critical alert")
		return false
	}
	d.logger.Info().Str("alert_id", id.String()).Msg("critical alert persisted after retry")
	d.enqueue(id)
	return true
}

func (d *Dispatcher) unsavedIDs() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(d.unsaved))
	for id := range d.unsaved {
		ids = append(ids, id)
	}
	return ids
}

// enqueue reports whether id was queued; false means it is already in flight
// or the queue is full.
func (d *Dispatcher) enqueue(id uuid.UUID) bool {
	d.mu.Lock()
	if d.inflight[id] {
		d.mu.Unlock()
		return false
	}
	d.inflight[id] = true
	d.mu.Unlock()

	select {
	case d.queue <- id:
		d.metrics.SetAlertQueueDepth(len(d.queue))
		return true
	default:
		d.release(id)
		d.logger.Warn().Str("alert_id", id.String()).Msg("alert queue full, deferring to sweeper")
		return false
	}
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.metrics.SetAlertQueueDepth(len(d.queue))
			d.deliver(ctx, id)
			d.release(id)
		}
	}
}

func (d *Dispatcher) sweeper(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep stores alerts still held in memory and re-queues pending and failed
// alerts older than one sweep interval. It returns how many were queued.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	n := 0
	for _, id := range d.unsavedIDs() {
		if d.flushUnsaved(ctx, id) {
			n++
		}
	}
	stale, err := d.alerts.ListUndelivered(ctx, d.now().Add(-d.cfg.SweepInterval), d.cfg.QueueSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("list undelivered alerts")
		return n
	}
	for _, a := range stale {
		if d.enqueue(a.ID) {
			n++
		}
	}
	if n > 0 {
		d.logger.Info().Int("count", n).Msg("re-queued undelivered critical alerts")
	}
	return n
}

// deliver runs up to MaxAttempts rounds over the channels that have not yet
// accepted the alert.
func (d *Dispatcher) deliver(ctx context.Context, id uuid.UUID) {
	alert, err := d.alerts.GetByID(ctx, id)
	if err != nil {
		d.logger.Error().Err(err).Str("alert_id", id.String()).Msg("load critical alert")
		return
	}
	if alert.Status == AlertDelivered || alert.Status == AlertAcknowledged {
		return
	}
	d.enrich(ctx, alert)
	msg, err := d.message(alert)
	if err != nil {
		d.logger.Error().Err(err).Str("alert_id", id.String()).Msg("render critical alert")
		return
	}

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		pending := d.pendingChannels(alert)
		if len(pending) == 0 {
			if len(d.channels) == 0 {
				d.logger.Warn().
					Str("alert_id", id.String()).
					Str("request_id", alert.RequestID.String()).
					Str("subject", msg.Subject).
					Msg("no alert channels configured, critical alert recorded only")
			}
			d.markDelivered(ctx, alert)
			return
		}
		alert.Attempts++
		var failures []string
		for _, ch := range pending {
			if err := d.send(ctx, ch, msg); err != nil {
				failures = append(failures, ch.Name()+": "+err.Error())
				d.metrics.AlertDelivery(ch.Name(), "failed")
				d.logger.Warn().Err(err).
					Str("alert_id", id.String()).
					Str("channel", ch.Name()).
					Int("attempt", alert.Attempts).
					Msg("critical alert delivery failed")
				continue
			}
			d.metrics.AlertDelivery(ch.Name(), "delivered")
			alert.DeliveredChannels = append(alert.DeliveredChannels, ch.Name())
		}
		if len(failures) == 0 {
			d.markDelivered(ctx, alert)
			return
		}
		alert.LastError = strings.Join(failures, "; ")
		if !d.save(ctx, alert) || attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.backoff(attempt)):
		}
	}

	alert.Status = AlertFailed
	if d.save(ctx, alert) {
		d.logger.Error().
			Str("alert_id", id.String()).
			Str("request_id", alert.RequestID.String()).
			Int("attempts", alert.Attempts).
			Str("last_error", alert.LastError).
			Msg("critical alert undeliverable, left for sweeper")
	}
}

func (d *Dispatcher) markDelivered(ctx context.Context, alert *CriticalAlert) {
	now := d.now().UTC()
	alert.Status = AlertDelivered
	alert.DeliveredAt = &now
	alert.LastError = ""
	if d.save(ctx, alert) {
		d.logger.Info().
			Str("alert_id", alert.ID.String()).
			Str("request_id", alert.RequestID.String()).
			Strs("channels", alert.DeliveredChannels).
			Msg("critical alert delivered")
	}
}

func (d *Dispatcher) send(ctx context.Context, ch notify.Channel, msg notify.Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Send(ctx, msg)
}

func (d *Dispatcher) pendingChannels(a *CriticalAlert) []notify.Channel {
	done := make(map[string]bool, len(a.DeliveredChannels))
	for _, n := range a.DeliveredChannels {
		done[n] = true
	}
	var out []notify.Channel
	for _, ch := range d.channels {
		if !done[ch.Name()] {
			out = append(out, ch)
		}
	}
	return out
}

// save records delivery progress. It reports false once the alert has been
// acknowledged, which ends delivery. A storage error is logged and delivery
// goes on.
func (d *Dispatcher) save(ctx context.Context, a *CriticalAlert) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AttemptTimeout)
	defer cancel()
	ok, err := d.alerts.RecordDelivery(ctx, a)
	if err != nil {
		d.logger.Error().Err(err).Str("alert_id", a.ID.String()).Msg("record critical alert delivery")
		return true
	}
	if !ok {
		d.logger.Info().Str("alert_id", a.ID.String()).Msg("critical alert acknowledged during delivery")
	}
	return ok
}

// enrich fills display fields from the directory. Failures leave the
// references in place.
func (d *Dispatcher) enrich(ctx context.Context, a *CriticalAlert) {
	if d.directory == nil {
		return
	}
	if a.PatientName == "" {
		if p, err := d.directory.LookupPatient(ctx, a.PatientRef); err == nil {
			a.PatientName = p.DisplayName
			if a.Department == "" {
				a.Department = p.Ward
			}
		} else {
			d.logger.Debug().Err(err).Str("patient_ref", a.PatientRef).Msg("patient lookup for alert")
		}
	}
	if c, err := d.directory.LookupClinician(ctx, a.OrderingClinician); err == nil && c.DisplayName != "" {
		a.OrderingClinician = c.DisplayName
		if a.Department == "" {
			a.Department = c.Department
		}
	}
}

func (d *Dispatcher) message(a *CriticalAlert) (notify.Message, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return notify.Message{}, err
	}
	patient := a.PatientRef
	if a.PatientName != "" {
		patient = a.PatientName + " (" + a.PatientRef + ")"
	}
	parts := make([]string, len(a.Parameters))
	for i, p := range a.Parameters {
		parts[i] = strings.TrimSpace(p.Code + " " + p.Value + " " + p.Unit)
	}
	subject, body, err := d.templates.Render(notify.TemplateCriticalValue, map[string]string{
		"patient":    patient,
		"department": a.Department,
		"request_id": a.RequestID.String(),
		"parameters": strings.Join(parts, ", "),
		"clinician":  a.OrderingClinician,
		"priority":   a.Priority.String(),
	})
	if err != nil {
		return notify.Message{}, err
	}
	return notify.Message{
		ID:       a.ID.String(),
		Subject:  subject,
		Body:     body,
		Priority: a.Priority.String(),
		Payload:  payload,
		Attributes: map[string]string{
			"request_id":  a.RequestID.String(),
			"result_id":   a.ResultID.String(),
			"patient_ref": a.PatientRef,
			"department":  a.Department,
		},
	}, nil
}

// -- Alert queries --

func (d *Dispatcher) ListAlerts(ctx context.Context, status AlertStatus, limit, offset int) ([]*CriticalAlert, int, error) {
	switch status {
	case "", AlertPending, AlertDelivered, AlertFailed, AlertAcknowledged:
	default:
		return nil, 0, validationf("list alerts", "unknown alert status %q", status)
	}
	if limit <= 0 {
		limit = 20
	}
	return d.alerts.List(ctx, status, limit, offset)
}

func (d *Dispatcher) GetAlert(ctx context.Context, id uuid.UUID) (*CriticalAlert, error) {
	return d.alerts.GetByID(ctx, id)
}

// AcknowledgeAlert records that a clinician has read the alert. Repeating
// it keeps the first acknowledgment.
func (d *Dispatcher) AcknowledgeAlert(ctx context.Context, id uuid.UUID, actor string) (*CriticalAlert, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, validationf("acknowledge alert", "actor is required")
	}
	a, err := d.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == AlertAcknowledged {
		return a, nil
	}
	ok, err := d.alerts.Acknowledge(ctx, id, actor, d.now().UTC())
	if err != nil {
		return nil, err
	}
	if ok {
		d.logger.Info().Str("alert_id", id.String()).Str("actor", actor).Msg("critical alert acknowledged")
	}
	return d.alerts.GetByID(ctx, id)
}
