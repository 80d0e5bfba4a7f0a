package laboratory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/platform/directory"
	"github.com/ehr/lis/internal/platform/metrics"
)

// AlertNotifier receives critical alerts raised by result entry. Notify must
// not block on delivery and has no error result: a failed dispatch never
// fails the save that raised it.
type AlertNotifier interface {
	Notify(ctx context.Context, alert *CriticalAlert)
}

// Directory resolves patients and clinicians referenced by requests.
type Directory interface {
	LookupPatient(ctx context.Context, ref string) (*directory.Patient, error)
	LookupClinician(ctx context.Context, id string) (*directory.Clinician, error)
}

// ReportArchiver stores rendered reports of approved results.
type ReportArchiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

type Service struct {
	requests RequestRepository
	samples  SampleRepository
	results  ResultRepository
	history  StatusHistoryRepository
	tx       Transactor
	catalog  CatalogSource

	alerts    AlertNotifier
	directory Directory
	archiver  ReportArchiver
	barcodes  *BarcodeGenerator
	metrics   *metrics.Registry
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithAlertNotifier(n AlertNotifier) Option { return func(s *Service) { s.alerts = n } }

func WithDirectory(d Directory) Option { return func(s *Service) { s.directory = d } }

func WithArchiver(a ReportArchiver) Option { return func(s *Service) { s.archiver = a } }

func WithBarcodeGenerator(g *BarcodeGenerator) Option { return func(s *Service) { s.barcodes = g } }

func WithMetrics(m *metrics.Registry) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// passthroughTx runs fn without a transaction. It is only used when no
// Transactor is supplied.
type passthroughTx struct{}

func (passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func NewService(rq RequestRepository, sp SampleRepository, rs ResultRepository, sh StatusHistoryRepository,
	tx Transactor, catalog CatalogSource, opts ...Option) *Service {
	s := &Service{
		requests: rq,
		samples:  sp,
		results:  rs,
		history:  sh,
		tx:       tx,
		catalog:  catalog,
		barcodes: NewBarcodeGenerator(""),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = passthroughTx{}
	}
	if s.catalog == nil {
		s.catalog = NewCatalogHolder(nil, DefaultCatalog())
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// -- Lifecycle core --

// advance moves req to next and records the change. It must run inside a
// transaction; the caller's req is left untouched so a rollback leaves no
// trace in memory either.
func (s *Service) advance(ctx context.Context, req *TestRequest, next RequestStatus, event lifecycleEvent, actor, reason string) (*TestRequest, error) {
	now := s.clock()
	updated := *req
	updated.Status = next
	updated.UpdatedAt = now
	if event == eventCancel || event == eventVoid {
		updated.CancelReason = reason
	}
	if err := s.requests.UpdateStatus(ctx, &updated, req.Version); err != nil {
		return nil, err
	}
	h := &StatusChange{
		ID:         uuid.New(),
		RequestID:  req.ID,
		FromStatus: req.Status,
		ToStatus:   next,
		Event:      event.String(),
		ChangedBy:  actor,
		Reason:     reason,
		ChangedAt:  now,
	}
	if err := s.history.Create(ctx, h); err != nil {
		return nil, fmt.Errorf("record status change: %w", err)
	}
	return &updated, nil
}

// apply runs event against the loaded request. mutate, when non-nil, runs in
// the same transaction before the request is advanced. A replayed command
// returns req unchanged with applied false.
func (s *Service) apply(ctx context.Context, req *TestRequest, event lifecycleEvent, actor, reason string,
	mutate func(ctx context.Context, next *TestRequest) error) (updated *TestRequest, applied bool, err error) {
	next, satisfied, err := requestTransition(req.Status, event)
	if err != nil {
		return nil, false, err
	}
	if satisfied {
		return req, false, nil
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if mutate != nil {
			target := *req
			target.Status = next
			if err := mutate(ctx, &target); err != nil {
				return err
			}
		}
		var err error
		updated, err = s.advance(ctx, req, next, event, actor, reason)
		return err
	})
	if err != nil {
		if KindOf(err) == KindConflict {
			s.metrics.Conflict(event.String())
		}
		return nil, false, err
	}
	s.metrics.Transition(event.String())
	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("event", event.String()).
		Str("from", req.Status.String()).
		Str("to", next.String()).
		Str("actor", actor).
		Msg("request status changed")
	return updated, true, nil
}

// checkActor verifies a clinician id against the directory when one is
// configured. Unknown ids are rejected; directory outages are tolerated.
func (s *Service) checkActor(ctx context.Context, op, id string) error {
	if s.directory == nil || strings.HasPrefix(id, analyzerActorPrefix) {
		return nil
	}
	_, err := s.directory.LookupClinician(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return validationf(op, "unknown clinician %q", id)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("actor", id).Str("op", op).Msg("directory unavailable, skipping actor check")
	}
	return nil
}

func (s *Service) checkPatient(ctx context.Context, op, ref string) error {
	if s.directory == nil {
		return nil
	}
	_, err := s.directory.LookupPatient(ctx, ref)
	if errors.Is(err, directory.ErrNotFound) {
		return validationf(op, "unknown patient %q", ref)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_ref", ref).Msg("directory unavailable, skipping patient check")
	}
	return nil
}

// -- TestRequest --

func (s *Service) CreateRequest(ctx context.Context, req *TestRequest) error {
	const op = "create request"
	req.PatientRef = strings.TrimSpace(req.PatientRef)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.PatientRef == "" {
		return validationf(op, "patient_ref is required")
	}
	if req.RequesterID == "" {
		return validationf(op, "requester_id is required")
	}
	var tests []string
	for _, t := range req.Tests {
		if t = strings.TrimSpace(t); t != "" {
			tests = append(tests, strings.ToUpper(t))
		}
	}
	if len(tests) == 0 {
		return validationf(op, "at least one test is required")
	}
	req.Tests = tests
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	if req.Priority < PriorityNormal || req.Priority > PriorityEmergency {
		return validationf(op, "invalid priority %d", int(req.Priority))
	}
	if err := s.checkPatient(ctx, op, req.PatientRef); err != nil {
		return err
	}
	if err := s.checkActor(ctx, op, req.RequesterID); err != nil {
		return err
	}

	now := s.clock()
	req.ID = uuid.New()
	req.Status = StatusPending
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now

	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.requests.Create(ctx, req); err != nil {
			return err
		}
		return s.history.Create(ctx, &StatusChange{
			ID:        uuid.New(),
			RequestID: req.ID,
			ToStatus:  StatusPending,
			Event:     "create",
			ChangedBy: req.RequesterID,
			ChangedAt: now,
		})
	})
}

// Catalog returns the reference catalog results are currently classified with.
func (s *Service) Catalog(ctx context.Context) (*Catalog, error) {
	return s.catalog.Current(ctx)
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*TestRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// activeStatuses make up the default worklist.
var activeStatuses = []RequestStatus{StatusPending, StatusCollected, StatusProcessing, StatusResultsEntered}

// ListPendingRequests returns the worklist ordered by priority, then age.
func (s *Service) ListPendingRequests(ctx context.Context, f RequestFilter) ([]*TestRequest, int, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = activeStatuses
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, validationf("list requests", "invalid status %d", int(st))
		}
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.requests.List(ctx, f)
}

func (s *Service) History(ctx context.Context, requestID uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.history.ListByRequest(ctx, requestID)
}

// -- Sample registry --

// CollectInput describes a specimen collection.
type CollectInput struct {
	CollectorID string
	SampleType  string
}

// CollectSample registers the specimen and assigns its barcode. Collecting an
// already collected request returns the existing sample.
func (s *Service) CollectSample(ctx context.Context, requestID uuid.UUID, in CollectInput) (*TestRequest, *Sample, error) {
	const op = "collect sample"
	in.CollectorID = strings.TrimSpace(in.CollectorID)
	if in.CollectorID == "" {
		return nil, nil, validationf(op, "collector_id is required")
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if _, satisfied, err := requestTransition(req.Status, eventCollect); err != nil {
		return nil, nil, err
	} else if satisfied {
		sample, err := s.samples.GetByRequest(ctx, req.ID)
		if err != nil {
			return nil, nil, err
		}
		return req, sample, nil
	}
	if err := s.checkActor(ctx, op, in.CollectorID); err != nil {
		return nil, nil, err
	}
	sampleType := strings.TrimSpace(in.SampleType)
	if sampleType == "" {
		sampleType = "blood"
	}

	for attempt := 1; attempt <= maxBarcodeAttempts; attempt++ {
		now := s.clock()
		barcode, err := s.barcodes.Next(now)
		if err != nil {
			return nil, nil, err
		}
		sample := &Sample{
			ID:          uuid.New(),
			RequestID:   req.ID,
			Barcode:     barcode,
			SampleType:  sampleType,
			CollectorID: in.CollectorID,
			CollectedAt: now,
			Version:     1,
		}
		updated, _, err := s.apply(ctx, req, eventCollect, in.CollectorID, "", func(ctx context.Context, _ *TestRequest) error {
			return s.samples.Create(ctx, sample)
		})
		if errors.Is(err, errBarcodeTaken) {
			s.logger.Warn().Str("barcode", barcode).Int("attempt", attempt).Msg("barcode collision, regenerating")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return updated, sample, nil
	}
	return nil, nil, fmt.Errorf("%s: no unique barcode after %d attempts", op, maxBarcodeAttempts)
}

func (s *Service) GetSample(ctx context.Context, requestID uuid.UUID) (*Sample, error) {
	return s.samples.GetByRequest(ctx, requestID)
}

func (s *Service) FindSampleByBarcode(ctx context.Context, barcode string) (*Sample, error) {
	barcode = strings.ToUpper(strings.TrimSpace(barcode))
	if barcode == "" {
		return nil, validationf("find sample", "barcode is required")
	}
	return s.samples.GetByBarcode(ctx, barcode)
}

// -- Processing --

// StartProcessing hands the sample to an analyzer or bench.
func (s *Service) StartProcessing(ctx context.Context, requestID uuid.UUID, actor, analyzer string) (*TestRequest, *Sample, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if _, _, err := requestTransition(req.Status, eventStartProcessing); err != nil {
		return nil, nil, err
	}
	sample, err := s.samples.GetByRequest(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	stamped := *sample
	updated, applied, err := s.apply(ctx, req, eventStartProcessing, actor, "", func(ctx context.Context, _ *TestRequest) error {
		now := s.clock()
		stamped.Analyzer = strings.TrimSpace(analyzer)
		stamped.ProcessingStartedAt = &now
		return s.samples.Update(ctx, &stamped, sample.Version)
	})
	if err != nil {
		return nil, nil, err
	}
	if !applied {
		return updated, sample, nil
	}
	return updated, &stamped, nil
}

// CompleteProcessing records that the analyzer run finished. The request
// stays in Processing until results are entered.
func (s *Service) CompleteProcessing(ctx context.Context, requestID uuid.UUID, actor string) (*TestRequest, *Sample, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if _, _, err := requestTransition(req.Status, eventCompleteProcessing); err != nil {
		return nil, nil, err
	}
	sample, err := s.samples.GetByRequest(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	if sample.ProcessingCompletedAt != nil {
		return req, sample, nil
	}
	stamped := *sample
	updated, _, err := s.apply(ctx, req, eventCompleteProcessing, actor, "", func(ctx context.Context, _ *TestRequest) error {
		now := s.clock()
		stamped.ProcessingCompletedAt = &now
		return s.samples.Update(ctx, &stamped, sample.Version)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, &stamped, nil
}

// -- Cancel / void --

func (s *Service) CancelRequest(ctx context.Context, requestID uuid.UUID, actor, reason string) (*TestRequest, error) {
	return s.terminate(ctx, "cancel request", eventCancel, requestID, actor, reason)
}

// VoidRequest withdraws a request whose specimen is already in the lab.
func (s *Service) VoidRequest(ctx context.Context, requestID uuid.UUID, actor, reason string) (*TestRequest, error) {
	return s.terminate(ctx, "void request", eventVoid, requestID, actor, reason)
}

func (s *Service) terminate(ctx context.Context, op string, event lifecycleEvent, requestID uuid.UUID, actor, reason string) (*TestRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationf(op, "reason is required")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, validationf(op, "actor is required")
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	updated, _, err := s.apply(ctx, req, event, actor, reason, nil)
	return updated, err
}
