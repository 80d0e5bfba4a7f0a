package laboratory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lis/internal/platform/directory"
)

// -- Mock Repositories --

// The mocks store and return copies so that callers cannot change stored
// state without going through an Update, as with a real database.

type mockRequestRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*TestRequest
	onGet    func()
}

func newMockRequestRepo() *mockRequestRepo {
	return &mockRequestRepo{requests: make(map[uuid.UUID]*TestRequest)}
}

func (m *mockRequestRepo) Create(_ context.Context, r *TestRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *mockRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*TestRequest, error) {
	m.mu.Lock()
	r, ok := m.requests[id]
	var cp TestRequest
	if ok {
		cp = *r
	}
	hook := m.onGet
	m.mu.Unlock()
	if !ok {
		return nil, notFound("get request", "request", id)
	}
	if hook != nil {
		hook()
	}
	return &cp, nil
}

func (m *mockRequestRepo) UpdateStatus(_ context.Context, r *TestRequest, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[r.ID]
	if !ok {
		return notFound("update request", "request", r.ID)
	}
	if stored.Version != expectedVersion {
		return conflict("update request", "request "+r.ID.String())
	}
	r.Version = expectedVersion + 1
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *mockRequestRepo) List(_ context.Context, f RequestFilter) ([]*TestRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make(map[RequestStatus]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses[s] = true
	}
	var all []*TestRequest
	for _, r := range m.requests {
		if len(statuses) > 0 && !statuses[r.Status] {
			continue
		}
		if f.Priority != 0 && r.Priority != f.Priority {
			continue
		}
		if f.Department != "" && !strings.EqualFold(r.Department, f.Department) {
			continue
		}
		if f.PatientRef != "" && r.PatientRef != f.PatientRef {
			continue
		}
		if f.From != nil && r.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.CreatedAt.Before(*f.To) {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

type mockSampleRepo struct {
	mu      sync.Mutex
	samples map[uuid.UUID]*Sample // by request id
	taken   map[string]bool       // barcodes reserved outside the repo
}

func newMockSampleRepo() *mockSampleRepo {
	return &mockSampleRepo{samples: make(map[uuid.UUID]*Sample), taken: make(map[string]bool)}
}

func (m *mockSampleRepo) Create(_ context.Context, s *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taken[s.Barcode] {
		return errBarcodeTaken
	}
	for _, existing := range m.samples {
		if existing.Barcode == s.Barcode {
			return errBarcodeTaken
		}
	}
	if _, ok := m.samples[s.RequestID]; ok {
		return conflict("create sample", "sample for request "+s.RequestID.String())
	}
	cp := *s
	m.samples[s.RequestID] = &cp
	return nil
}

func (m *mockSampleRepo) GetByRequest(_ context.Context, requestID uuid.UUID) (*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[requestID]
	if !ok {
		return nil, notFound("get sample", "sample for request", requestID)
	}
	cp := *s
	return &cp, nil
}

func (m *mockSampleRepo) GetByBarcode(_ context.Context, barcode string) (*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.samples {
		if s.Barcode == barcode {
			cp := *s
			return &cp, nil
		}
	}
	return nil, newError(KindNotFound, "get sample", "barcode "+barcode+" not found")
}

func (m *mockSampleRepo) Update(_ context.Context, s *Sample, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.samples[s.RequestID]
	if !ok {
		return notFound("update sample", "sample", s.ID)
	}
	if stored.Version != expectedVersion {
		return conflict("update sample", "sample "+s.ID.String())
	}
	s.Version = expectedVersion + 1
	cp := *s
	m.samples[s.RequestID] = &cp
	return nil
}

type mockResultRepo struct {
	mu      sync.Mutex
	results map[uuid.UUID]*TestResult
	writes  int
}

func newMockResultRepo() *mockResultRepo {
	return &mockResultRepo{results: make(map[uuid.UUID]*TestResult)}
}

func copyResult(r *TestResult) *TestResult {
	cp := *r
	cp.Parameters = append([]TestParameter(nil), r.Parameters...)
	cp.CriticalParameters = nil
	return &cp
}

func (m *mockResultRepo) Create(_ context.Context, r *TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.results {
		if existing.RequestID == r.RequestID {
			return conflict("create result", "result for request "+r.RequestID.String())
		}
	}
	m.results[r.ID] = copyResult(r)
	m.writes++
	return nil
}

func (m *mockResultRepo) GetByID(_ context.Context, id uuid.UUID) (*TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, notFound("get result", "result", id)
	}
	return copyResult(r), nil
}

func (m *mockResultRepo) GetByRequest(_ context.Context, requestID uuid.UUID) (*TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results {
		if r.RequestID == requestID {
			return copyResult(r), nil
		}
	}
	return nil, notFound("get result", "result for request", requestID)
}

func (m *mockResultRepo) Update(_ context.Context, r *TestResult, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.results[r.ID]
	if !ok {
		return notFound("update result", "result", r.ID)
	}
	if stored.Version != expectedVersion {
		return conflict("update result", "result "+r.ID.String())
	}
	r.Version = expectedVersion + 1
	m.results[r.ID] = copyResult(r)
	m.writes++
	return nil
}

type mockHistoryRepo struct {
	mu      sync.Mutex
	changes []*StatusChange
}

func newMockHistoryRepo() *mockHistoryRepo {
	return &mockHistoryRepo{}
}

func (m *mockHistoryRepo) Create(_ context.Context, h *StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.changes = append(m.changes, &cp)
	return nil
}

func (m *mockHistoryRepo) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StatusChange
	for _, h := range m.changes {
		if h.RequestID == requestID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockAlertRepo struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*CriticalAlert
}

func newMockAlertRepo() *mockAlertRepo {
	return &mockAlertRepo{alerts: make(map[uuid.UUID]*CriticalAlert)}
}

func copyAlert(a *CriticalAlert) *CriticalAlert {
	cp := *a
	cp.Parameters = append([]AlertParameter(nil), a.Parameters...)
	cp.DeliveredChannels = append([]string(nil), a.DeliveredChannels...)
	return &cp
}

func (m *mockAlertRepo) Create(_ context.Context, a *CriticalAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = copyAlert(a)
	return nil
}

func (m *mockAlertRepo) GetByID(_ context.Context, id uuid.UUID) (*CriticalAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, notFound("get alert", "alert", id)
	}
	return copyAlert(a), nil
}

func (m *mockAlertRepo) RecordDelivery(_ context.Context, a *CriticalAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[a.ID]
	if !ok || cur.Status == AlertAcknowledged {
		return false, nil
	}
	next := copyAlert(a)
	next.AcknowledgedBy, next.AcknowledgedAt = cur.AcknowledgedBy, cur.AcknowledgedAt
	m.alerts[a.ID] = next
	return true, nil
}

func (m *mockAlertRepo) Acknowledge(_ context.Context, id uuid.UUID, actor string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[id]
	if !ok || cur.Status == AlertAcknowledged {
		return false, nil
	}
	cur.Status = AlertAcknowledged
	cur.AcknowledgedBy = actor
	cur.AcknowledgedAt = &at
	return true, nil
}

func (m *mockAlertRepo) List(_ context.Context, status AlertStatus, limit, offset int) ([]*CriticalAlert, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*CriticalAlert
	for _, a := range m.alerts {
		if status == "" || a.Status == status {
			all = append(all, copyAlert(a))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockAlertRepo) ListUndelivered(_ context.Context, createdBefore time.Time, limit int) ([]*CriticalAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CriticalAlert
	for _, a := range m.alerts {
		if (a.Status == AlertPending || a.Status == AlertFailed) && a.CreatedAt.Before(createdBefore) {
			out = append(out, copyAlert(a))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockAlertRepo) get(id uuid.UUID) *CriticalAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.alerts[id]; ok {
		return copyAlert(a)
	}
	return nil
}

// -- Notifier, directory, archiver --

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*CriticalAlert
}

func (n *recordingNotifier) Notify(_ context.Context, a *CriticalAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, copyAlert(a))
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type recordingArchiver struct {
	mu    sync.Mutex
	items map[string][]byte
	done  chan string
}

func newRecordingArchiver() *recordingArchiver {
	return &recordingArchiver{items: make(map[string][]byte), done: make(chan string, 8)}
}

func (a *recordingArchiver) Archive(_ context.Context, key string, body []byte) error {
	a.mu.Lock()
	a.items[key] = body
	a.mu.Unlock()
	a.done <- key
	return nil
}

func newTestDirectory() *directory.StaticDirectory {
	d := directory.NewStaticDirectory()
	d.AddPatient(directory.Patient{Ref: "MRN-1", DisplayName: "Jane Roe", Ward: "ICU"})
	for _, id := range []string{"dr-house", "nurse-joy", "tech-1", "tech-2", "sup-1"} {
		d.AddClinician(directory.Clinician{ID: id, DisplayName: strings.ToUpper(id), Department: "Lab", Active: true})
	}
	return d
}

// barrier releases every waiter once n of them have arrived. Later callers
// pass straight through.
type barrier struct {
	mu sync.Mutex
	n  int
	ch chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, ch: make(chan struct{})}
}

func (b *barrier) wait() {
	b.mu.Lock()
	b.n--
	if b.n == 0 {
		close(b.ch)
	}
	b.mu.Unlock()
	select {
	case <-b.ch:
	case <-time.After(5 * time.Second):
	}
}

// -- Test fixture --

type fixture struct {
	svc      *Service
	requests *mockRequestRepo
	samples  *mockSampleRepo
	results  *mockResultRepo
	history  *mockHistoryRepo
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		requests: newMockRequestRepo(),
		samples:  newMockSampleRepo(),
		results:  newMockResultRepo(),
		history:  newMockHistoryRepo(),
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	all := append([]Option{WithAlertNotifier(f.notifier), WithClock(clock)}, opts...)
	f.svc = NewService(f.requests, f.samples, f.results, f.history, nil,
		NewCatalogHolder(nil, DefaultCatalog()), all...)
	return f
}

func (f *fixture) request(t testingT, tests ...string) *TestRequest {
	if len(tests) == 0 {
		tests = []string{"BMP"}
	}
	req := &TestRequest{PatientRef: "MRN-1", RequesterID: "dr-house", Department: "ICU", Tests: tests}
	if err := f.svc.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return req
}

func (f *fixture) collected(t testingT) (*TestRequest, *Sample) {
	req := f.request(t)
	updated, sample, err := f.svc.CollectSample(context.Background(), req.ID, CollectInput{CollectorID: "nurse-joy"})
	if err != nil {
		t.Fatalf("CollectSample: %v", err)
	}
	return updated, sample
}

func (f *fixture) entered(t testingT, params ...TestParameter) (*TestRequest, *TestResult) {
	req, _ := f.collected(t)
	if len(params) == 0 {
		params = []TestParameter{{Code: "K", Value: "4.2"}, {Code: "NA", Value: "140"}}
	}
	res, err := f.svc.SaveResult(context.Background(), SaveResultInput{
		RequestID:  req.ID,
		EnteredBy:  "tech-1",
		Parameters: params,
	})
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	return req, res
}

// catalogWithPotassiumMax is the builtin catalog republished as version with
// a different upper normal limit for K.
func catalogWithPotassiumMax(t testingT, version, max string) *Catalog {
	entries := append([]CatalogEntry(nil), DefaultCatalog().Entries...)
	for i := range entries {
		if entries[i].Code == "K" {
			entries[i].NormalMax = dec(max)
		}
	}
	c, err := NewCatalog(version, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), entries)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

type testingT interface {
	Fatalf(format string, args ...interface{})
}
