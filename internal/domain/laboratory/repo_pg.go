package laboratory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/lis/internal/platform/db"
)

func conflict(op, what string) *Error {
	return newError(KindConflict, op, what+" was modified concurrently")
}

// =========== TestRequest Repository ===========

type requestRepoPG struct{ pool *pgxpool.Pool }

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository {
	return &requestRepoPG{pool: pool}
}

const requestCols = `id, patient_ref, requester_id, department, tests, priority, status,
	clinical_notes, cancel_reason, version, created_at, updated_at`

func scanRequest(row pgx.Row) (*TestRequest, error) {
	var r TestRequest
	var priority, status int
	err := row.Scan(&r.ID, &r.PatientRef, &r.RequesterID, &r.Department, &r.Tests, &priority, &status,
		&r.ClinicalNotes, &r.CancelReason, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Priority = Priority(priority)
	r.Status = RequestStatus(status)
	return &r, nil
}

func (r *requestRepoPG) Create(ctx context.Context, req *TestRequest) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_request (id, patient_ref, requester_id, department, tests, priority, status,
			clinical_notes, cancel_reason, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		req.ID, req.PatientRef, req.RequesterID, req.Department, req.Tests, int(req.Priority), int(req.Status),
		req.ClinicalNotes, req.CancelReason, req.Version, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lab request: %w", err)
	}
	return nil
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TestRequest, error) {
	req, err := scanRequest(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+requestCols+` FROM lab_request WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("get request", "request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lab request: %w", err)
	}
	return req, nil
}

func (r *requestRepoPG) UpdateStatus(ctx context.Context, req *TestRequest, expectedVersion int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_request SET status = $1, cancel_reason = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		int(req.Status), req.CancelReason, req.UpdatedAt, req.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update lab request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conflict("update request", "request "+req.ID.String())
	}
	req.Version = expectedVersion + 1
	return nil
}

func (r *requestRepoPG) List(ctx context.Context, f RequestFilter) ([]*TestRequest, int, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		codes := make([]int32, len(f.Statuses))
		for i, s := range f.Statuses {
			codes[i] = int32(s)
		}
		where = append(where, "status = ANY("+arg(codes)+")")
	}
	if f.Priority != 0 {
		where = append(where, "priority = "+arg(int(f.Priority)))
	}
	if f.Department != "" {
		where = append(where, "department = "+arg(f.Department))
	}
	if f.PatientRef != "" {
		where = append(where, "patient_ref = "+arg(f.PatientRef))
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < "+arg(*f.To))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM lab_request`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lab requests: %w", err)
	}

	query := `SELECT ` + requestCols + ` FROM lab_request` + clause +
		` ORDER BY priority DESC, created_at ASC LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list lab requests: %w", err)
	}
	defer rows.Close()

	var items []*TestRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan lab request: %w", err)
		}
		items = append(items, req)
	}
	return items, total, rows.Err()
}

// =========== Sample Repository ===========

type sampleRepoPG struct{ pool *pgxpool.Pool }

func NewSampleRepoPG(pool *pgxpool.Pool) SampleRepository {
	return &sampleRepoPG{pool: pool}
}

const sampleCols = `id, request_id, barcode, sample_type, collector_id, collected_at, analyzer,
	processing_started_at, processing_completed_at, version`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.RequestID, &s.Barcode, &s.SampleType, &s.CollectorID, &s.CollectedAt, &s.Analyzer,
		&s.ProcessingStartedAt, &s.ProcessingCompletedAt, &s.Version)
	return &s, err
}

// Create inserts without raising on unique violations so the enclosing
// transaction stays usable; the caller learns which constraint was hit.
func (r *sampleRepoPG) Create(ctx context.Context, s *Sample) error {
	q := db.Conn(ctx, r.pool)
	tag, err := q.Exec(ctx, `
		INSERT INTO lab_sample (id, request_id, barcode, sample_type, collector_id, collected_at, analyzer,
			processing_started_at, processing_completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT DO NOTHING`,
		s.ID, s.RequestID, s.Barcode, s.SampleType, s.CollectorID, s.CollectedAt, s.Analyzer,
		s.ProcessingStartedAt, s.ProcessingCompletedAt, s.Version)
	if err != nil {
		return fmt.Errorf("insert lab sample: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lab_sample WHERE request_id = $1)`, s.RequestID).Scan(&exists); err != nil {
		return fmt.Errorf("check lab sample: %w", err)
	}
	if exists {
		return conflict("create sample", "sample for request "+s.RequestID.String())
	}
	return errBarcodeTaken
}

func (r *sampleRepoPG) getOne(ctx context.Context, op, where string, arg interface{}) (*Sample, error) {
	s, err := scanSample(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+sampleCols+` FROM lab_sample WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, newError(KindNotFound, op, fmt.Sprintf("sample %v not found", arg))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func (r *sampleRepoPG) GetByRequest(ctx context.Context, requestID uuid.UUID) (*Sample, error) {
	return r.getOne(ctx, "get sample", "request_id = $1", requestID)
}

func (r *sampleRepoPG) GetByBarcode(ctx context.Context, barcode string) (*Sample, error) {
	return r.getOne(ctx, "get sample by barcode", "barcode = $1", barcode)
}

func (r *sampleRepoPG) Update(ctx context.Context, s *Sample, expectedVersion int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_sample SET analyzer = $1, processing_started_at = $2, processing_completed_at = $3,
			version = version + 1
		WHERE id = $4 AND version = $5`,
		s.Analyzer, s.ProcessingStartedAt, s.ProcessingCompletedAt, s.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update lab sample: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conflict("update sample", "sample "+s.ID.String())
	}
	s.Version = expectedVersion + 1
	return nil
}

// =========== TestResult Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

// storedParameter is the JSONB shape of a parameter. Classification is not
// stored; it is recomputed whenever a result is loaded.
type storedParameter struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	Value         string   `json:"value"`
	Unit          string   `json:"unit,omitempty"`
	ValueType     string   `json:"value_type"`
	NormalMin     *string  `json:"normal_min,omitempty"`
	NormalMax     *string  `json:"normal_max,omitempty"`
	CriticalLow   *string  `json:"critical_low,omitempty"`
	CriticalHigh  *string  `json:"critical_high,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
	RangeVersion  string   `json:"range_version,omitempty"`
}

func decString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecString(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeParameters(params []TestParameter) ([]byte, error) {
	out := make([]storedParameter, len(params))
	for i, p := range params {
		out[i] = storedParameter{
			Code: p.Code, Name: p.Name, Value: p.Value, Unit: p.Unit, ValueType: string(p.ValueType),
			NormalMin: decString(p.NormalMin), NormalMax: decString(p.NormalMax),
			CriticalLow: decString(p.CriticalLow), CriticalHigh: decString(p.CriticalHigh),
			AllowedValues: p.AllowedValues, RangeVersion: p.RangeVersion,
		}
	}
	return json.Marshal(out)
}

func decodeParameters(raw []byte) ([]TestParameter, error) {
	var stored []storedParameter
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	params := make([]TestParameter, len(stored))
	for i, sp := range stored {
		p := TestParameter{
			Code: sp.Code, Name: sp.Name, Value: sp.Value, Unit: sp.Unit,
			ValueType: ValueType(sp.ValueType), AllowedValues: sp.AllowedValues, RangeVersion: sp.RangeVersion,
		}
		var err error
		if p.NormalMin, err = parseDecString(sp.NormalMin); err != nil {
			return nil, err
		}
		if p.NormalMax, err = parseDecString(sp.NormalMax); err != nil {
			return nil, err
		}
		if p.CriticalLow, err = parseDecString(sp.CriticalLow); err != nil {
			return nil, err
		}
		if p.CriticalHigh, err = parseDecString(sp.CriticalHigh); err != nil {
			return nil, err
		}
		p.Classification = Evaluate(p)
		params[i] = p
	}
	return params, nil
}

const resultCols = `id, request_id, parameters, notes, status, severity, catalog_version, fingerprint, source,
	entered_by, contributors, entered_at, approved_by, approved_at, rejection_reason, rejected_by, rejected_at,
	version, created_at, updated_at`

func scanResult(row pgx.Row) (*TestResult, error) {
	var (
		res              TestResult
		raw              []byte
		status, severity int
		source           string
	)
	err := row.Scan(&res.ID, &res.RequestID, &raw, &res.Notes, &status, &severity, &res.CatalogVersion,
		&res.Fingerprint, &source, &res.EnteredBy, &res.Contributors, &res.EnteredAt, &res.ApprovedBy, &res.ApprovedAt,
		&res.RejectionReason, &res.RejectedBy, &res.RejectedAt, &res.Version, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	res.Status = ResultStatus(status)
	res.Source = ResultSource(source)
	if res.Parameters, err = decodeParameters(raw); err != nil {
		return nil, fmt.Errorf("decode parameters of result %s: %w", res.ID, err)
	}
	res.Severity = Aggregate(res.Parameters)
	res.CriticalParameters = criticalKeys(res.Parameters)
	return &res, nil
}

func (r *resultRepoPG) Create(ctx context.Context, res *TestResult) error {
	raw, err := encodeParameters(res.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_result (id, request_id, parameters, notes, status, severity, catalog_version, fingerprint,
			source, entered_by, contributors, entered_at, approved_by, approved_at, rejection_reason, rejected_by,
			rejected_at, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		res.ID, res.RequestID, raw, res.Notes, int(res.Status), int(res.Severity), res.CatalogVersion, res.Fingerprint,
		string(res.Source), res.EnteredBy, contributorsOf(res), res.EnteredAt, res.ApprovedBy, res.ApprovedAt,
		res.RejectionReason, res.RejectedBy, res.RejectedAt, res.Version, res.CreatedAt, res.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return conflict("create result", "result for request "+res.RequestID.String())
	}
	if err != nil {
		return fmt.Errorf("insert lab result: %w", err)
	}
	return nil
}

func contributorsOf(res *TestResult) []string {
	if res.Contributors == nil {
		return []string{}
	}
	return res.Contributors
}

func (r *resultRepoPG) getOne(ctx context.Context, where string, id uuid.UUID) (*TestResult, error) {
	res, err := scanResult(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+resultCols+` FROM lab_result WHERE `+where, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("get result", "result", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lab result: %w", err)
	}
	return res, nil
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *resultRepoPG) GetByRequest(ctx context.Context, requestID uuid.UUID) (*TestResult, error) {
	return r.getOne(ctx, "request_id = $1", requestID)
}

func (r *resultRepoPG) Update(ctx context.Context, res *TestResult, expectedVersion int) error {
	raw, err := encodeParameters(res.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_result SET parameters = $1, notes = $2, status = $3, severity = $4, catalog_version = $5,
			fingerprint = $6, source = $7, entered_by = $8, contributors = $9, entered_at = $10, approved_by = $11,
			approved_at = $12, rejection_reason = $13, rejected_by = $14, rejected_at = $15, updated_at = $16,
			version = version + 1
		WHERE id = $17 AND version = $18`,
		raw, res.Notes, int(res.Status), int(res.Severity), res.CatalogVersion,
		res.Fingerprint, string(res.Source), res.EnteredBy, contributorsOf(res), res.EnteredAt, res.ApprovedBy,
		res.ApprovedAt, res.RejectionReason, res.RejectedBy, res.RejectedAt, res.UpdatedAt, res.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update lab result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conflict("update result", "result "+res.ID.String())
	}
	res.Version = expectedVersion + 1
	return nil
}

// =========== Status History Repository ===========

type statusHistoryRepoPG struct{ pool *pgxpool.Pool }

func NewStatusHistoryRepoPG(pool *pgxpool.Pool) StatusHistoryRepository {
	return &statusHistoryRepoPG{pool: pool}
}

func (r *statusHistoryRepoPG) Create(ctx context.Context, h *StatusChange) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_status_history (id, request_id, from_status, to_status, event, changed_by, reason, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.RequestID, int(h.FromStatus), int(h.ToStatus), h.Event, h.ChangedBy, h.Reason, h.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func (r *statusHistoryRepoPG) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*StatusChange, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, request_id, from_status, to_status, event, changed_by, reason, changed_at
		FROM lab_status_history WHERE request_id = $1 ORDER BY changed_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var items []*StatusChange
	for rows.Next() {
		var h StatusChange
		var from, to int
		if err := rows.Scan(&h.ID, &h.RequestID, &from, &to, &h.Event, &h.ChangedBy, &h.Reason, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		h.FromStatus = RequestStatus(from)
		h.ToStatus = RequestStatus(to)
		items = append(items, &h)
	}
	return items, rows.Err()
}

// =========== Critical Alert Repository ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewAlertRepoPG(pool *pgxpool.Pool) AlertRepository {
	return &alertRepoPG{pool: pool}
}

const alertCols = `id, request_id, result_id, patient_ref, patient_name, department, ordering_clinician, priority,
	parameters, status, attempts, delivered_channels, last_error, created_at, delivered_at,
	acknowledged_by, acknowledged_at`

func scanAlert(row pgx.Row) (*CriticalAlert, error) {
	var (
		a        CriticalAlert
		priority int
		raw      []byte
		status   string
	)
	err := row.Scan(&a.ID, &a.RequestID, &a.ResultID, &a.PatientRef, &a.PatientName, &a.Department,
		&a.OrderingClinician, &priority, &raw, &status, &a.Attempts, &a.DeliveredChannels, &a.LastError,
		&a.CreatedAt, &a.DeliveredAt, &a.AcknowledgedBy, &a.AcknowledgedAt)
	if err != nil {
		return nil, err
	}
	a.Priority = Priority(priority)
	a.Status = AlertStatus(status)
	if err := json.Unmarshal(raw, &a.Parameters); err != nil {
		return nil, fmt.Errorf("decode alert parameters: %w", err)
	}
	return &a, nil
}

func (r *alertRepoPG) Create(ctx context.Context, a *CriticalAlert) error {
	raw, err := json.Marshal(a.Parameters)
	if err != nil {
		return fmt.Errorf("encode alert parameters: %w", err)
	}
	channels := a.DeliveredChannels
	if channels == nil {
		channels = []string{}
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_critical_alert (id, request_id, result_id, patient_ref, patient_name, department,
			ordering_clinician, priority, parameters, status, attempts, delivered_channels, last_error,
			created_at, delivered_at, acknowledged_by, acknowledged_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		a.ID, a.RequestID, a.ResultID, a.PatientRef, a.PatientName, a.Department,
		a.OrderingClinician, int(a.Priority), raw, string(a.Status), a.Attempts, channels, a.LastError,
		a.CreatedAt, a.DeliveredAt, a.AcknowledgedBy, a.AcknowledgedAt)
	if err != nil {
		return fmt.Errorf("insert critical alert: %w", err)
	}
	return nil
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CriticalAlert, error) {
	a, err := scanAlert(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+alertCols+` FROM lab_critical_alert WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("get alert", "alert", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get critical alert: %w", err)
	}
	return a, nil
}

func (r *alertRepoPG) RecordDelivery(ctx context.Context, a *CriticalAlert) (bool, error) {
	channels := a.DeliveredChannels
	if channels == nil {
		channels = []string{}
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_critical_alert SET patient_name = $1, department = $2, ordering_clinician = $3, status = $4,
			attempts = $5, delivered_channels = $6, last_error = $7, delivered_at = $8
		WHERE id = $9 AND status <> 'acknowledged'`,
		a.PatientName, a.Department, a.OrderingClinician, string(a.Status),
		a.Attempts, channels, a.LastError, a.DeliveredAt, a.ID)
	if err != nil {
		return false, fmt.Errorf("record alert delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *alertRepoPG) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_critical_alert SET status = 'acknowledged', acknowledged_by = $1, acknowledged_at = $2
		WHERE id = $3 AND status <> 'acknowledged'`,
		actor, at, id)
	if err != nil {
		return false, fmt.Errorf("acknowledge critical alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *alertRepoPG) List(ctx context.Context, status AlertStatus, limit, offset int) ([]*CriticalAlert, int, error) {
	q := db.Conn(ctx, r.pool)
	clause, args := "", []interface{}{}
	if status != "" {
		clause = " WHERE status = $1"
		args = append(args, string(status))
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM lab_critical_alert`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count critical alerts: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM lab_critical_alert%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		alertCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list critical alerts: %w", err)
	}
	defer rows.Close()

	var items []*CriticalAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *alertRepoPG) ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]*CriticalAlert, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+alertCols+` FROM lab_critical_alert
		WHERE status IN ('pending', 'failed') AND created_at < $1 ORDER BY created_at LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered alerts: %w", err)
	}
	defer rows.Close()

	var items []*CriticalAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// =========== Reference Catalog Store ===========

type catalogStorePG struct{ pool *pgxpool.Pool }

func NewCatalogStorePG(pool *pgxpool.Pool) CatalogStore {
	return &catalogStorePG{pool: pool}
}

// Current returns the most recently published version.
func (r *catalogStorePG) Current(ctx context.Context) (*Catalog, error) {
	q := db.Conn(ctx, r.pool)
	var version string
	var publishedAt time.Time
	err := q.QueryRow(ctx, `SELECT version, published_at FROM lab_catalog_version
		ORDER BY published_at DESC, version DESC LIMIT 1`).Scan(&version, &publishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get catalog version: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT code, name, unit, value_type, normal_min::text, normal_max::text,
			critical_low::text, critical_high::text, allowed_values, required
		FROM lab_catalog_entry WHERE version = $1 ORDER BY code`, version)
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var (
			e                      CatalogEntry
			valueType              string
			nmin, nmax, clow, chig *string
		)
		if err := rows.Scan(&e.Code, &e.Name, &e.Unit, &valueType, &nmin, &nmax, &clow, &chig,
			&e.AllowedValues, &e.Required); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		e.ValueType = ValueType(valueType)
		for _, pair := range []struct {
			dst **decimal.Decimal
			src *string
		}{{&e.NormalMin, nmin}, {&e.NormalMax, nmax}, {&e.CriticalLow, clow}, {&e.CriticalHigh, chig}} {
			if *pair.dst, err = parseDecString(pair.src); err != nil {
				return nil, fmt.Errorf("catalog entry %s: %w", e.Code, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewCatalog(version, publishedAt, entries)
}

func (r *catalogStorePG) Publish(ctx context.Context, c *Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return db.NewTxManager(r.pool).WithinTx(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		_, err := q.Exec(ctx, `INSERT INTO lab_catalog_version (version, published_at) VALUES ($1, $2)`,
			c.Version, c.PublishedAt)
		if db.IsUniqueViolation(err) {
			return validationf("publish catalog", "version %s already published", c.Version)
		}
		if err != nil {
			return fmt.Errorf("insert catalog version: %w", err)
		}
		for _, e := range c.Entries {
			allowed := e.AllowedValues
			if allowed == nil {
				allowed = []string{}
			}
			_, err := q.Exec(ctx, `
				INSERT INTO lab_catalog_entry (version, code, name, unit, value_type, normal_min, normal_max,
					critical_low, critical_high, allowed_values, required)
				VALUES ($1,$2,$3,$4,$5,$6::text::numeric,$7::text::numeric,$8::text::numeric,$9::text::numeric,$10,$11)`,
				c.Version, e.Code, e.Name, e.Unit, string(e.ValueType),
				decString(e.NormalMin), decString(e.NormalMax), decString(e.CriticalLow), decString(e.CriticalHigh),
				allowed, e.Required)
			if err != nil {
				return fmt.Errorf("insert catalog entry %s: %w", e.Code, err)
			}
		}
		return nil
	})
}

func (r *catalogStorePG) Versions(ctx context.Context) ([]string, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT version FROM lab_catalog_version ORDER BY published_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list catalog versions: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
