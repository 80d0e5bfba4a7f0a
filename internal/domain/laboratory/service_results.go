package laboratory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaveResultInput is one result entry, manual or from an analyzer.
type SaveResultInput struct {
	RequestID  uuid.UUID
	EnteredBy  string
	Parameters []TestParameter
	Notes      string
	Source     ResultSource
}

// assembleParameters validates the entered parameters, fills them from the
// catalog and classifies each one.
func assembleParameters(c *Catalog, in []TestParameter) ([]TestParameter, error) {
	const op = "save result"
	if len(in) == 0 {
		return nil, validationf(op, "at least one parameter is required")
	}
	out := make([]TestParameter, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i, p := range in {
		p.Code = strings.TrimSpace(p.Code)
		p.Name = strings.TrimSpace(p.Name)
		p.Value = strings.TrimSpace(p.Value)
		p.Unit = strings.TrimSpace(p.Unit)
		if p.Code == "" && p.Name == "" {
			return nil, validationf(op, "parameter %d has neither code nor name", i+1)
		}
		resolved, entry := resolveParameter(c, p)
		key := resolved.Key()
		if seen[key] {
			return nil, validationf(op, "duplicate parameter %s", key)
		}
		seen[key] = true
		if resolved.ValueType != ValueNumeric && resolved.ValueType != ValueText {
			return nil, validationf(op, "parameter %s has unknown value type %q", key, resolved.ValueType)
		}
		if entry != nil && entry.Required && resolved.Value == "" {
			return nil, validationf(op, "parameter %s requires a value", key)
		}
		if err := checkRange(key, resolved.NormalMin, resolved.NormalMax, resolved.CriticalLow, resolved.CriticalHigh); err != nil {
			return nil, err
		}
		resolved.Classification = Evaluate(resolved)
		out = append(out, resolved)
	}
	return out, nil
}

// fingerprint identifies the clinical content of a result independent of
// parameter order.
func fingerprint(params []TestParameter, notes string) string {
	lines := make([]string, len(params))
	for i, p := range params {
		lines[i] = strings.Join([]string{
			p.Key(), p.Value, p.Unit, string(p.ValueType),
			decText(p.NormalMin), decText(p.NormalMax), decText(p.CriticalLow), decText(p.CriticalHigh),
			strings.Join(p.AllowedValues, ","),
		}, "|")
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte(strings.TrimSpace(notes)))
	return hex.EncodeToString(h.Sum(nil))
}

func decText(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// SaveResult records parameter values for a collected request. Saving the
// same content twice is a no-op that still re-raises a critical alert.
func (s *Service) SaveResult(ctx context.Context, in SaveResultInput) (*TestResult, error) {
	const op = "save result"
	in.EnteredBy = strings.TrimSpace(in.EnteredBy)
	if in.EnteredBy == "" {
		return nil, validationf(op, "entered_by is required")
	}
	if in.Source == "" {
		in.Source = SourceManual
	}

	req, err := s.requests.GetByID(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusApproved {
		return nil, newError(KindResultLocked, op, "request "+req.ID.String()+" is approved")
	}
	next, _, err := requestTransition(req.Status, eventEnterResults)
	if err != nil {
		return nil, err
	}

	catalog, err := s.catalog.Current(ctx)
	if err != nil {
		return nil, err
	}
	params, err := assembleParameters(catalog, in.Parameters)
	if err != nil {
		return nil, err
	}
	if err := s.checkActor(ctx, op, in.EnteredBy); err != nil {
		return nil, err
	}

	existing, err := s.results.GetByRequest(ctx, req.ID)
	if err != nil && KindOf(err) != KindNotFound {
		return nil, err
	}
	if existing != nil && existing.Status == ResultApproved {
		return nil, newError(KindResultLocked, op, "result "+existing.ID.String()+" is approved")
	}

	fp := fingerprint(params, in.Notes)
	var saved *TestResult
	if existing != nil && existing.Status == ResultEntered && existing.Fingerprint == fp && req.Status == StatusResultsEntered {
		saved = existing
	} else {
		now := s.clock()
		res := &TestResult{ID: uuid.New(), RequestID: req.ID, Version: 1, CreatedAt: now}
		if existing != nil {
			copied := *existing
			copied.Contributors = addContributor(append([]string(nil), existing.Contributors...), existing.EnteredBy)
			res = &copied
		}
		res.Parameters = params
		res.Notes = strings.TrimSpace(in.Notes)
		res.Status = ResultEntered
		res.Severity = Aggregate(params)
		res.CatalogVersion = catalog.Version
		res.Fingerprint = fp
		res.Source = in.Source
		res.EnteredBy = in.EnteredBy
		res.Contributors = addContributor(res.Contributors, res.EnteredBy)
		res.EnteredAt = &now
		res.RejectionReason, res.RejectedBy, res.RejectedAt = "", "", nil
		res.UpdatedAt = now

		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if existing == nil {
				if err := s.results.Create(ctx, res); err != nil {
					return err
				}
			} else if err := s.results.Update(ctx, res, existing.Version); err != nil {
				return err
			}
			if req.Status == StatusResultsEntered {
				return nil
			}
			_, err := s.advance(ctx, req, next, eventEnterResults, in.EnteredBy, "")
			return err
		})
		if err != nil {
			if KindOf(err) == KindConflict {
				s.metrics.Conflict(eventEnterResults.String())
			}
			return nil, err
		}
		saved = res
		s.metrics.ResultSaved(res.Severity.String())
		s.logger.Info().
			Str("request_id", req.ID.String()).
			Str("result_id", res.ID.String()).
			Str("severity", res.Severity.String()).
			Str("catalog_version", res.CatalogVersion).
			Str("entered_by", res.EnteredBy).
			Msg("result saved")
	}

	saved.CriticalParameters = criticalKeys(saved.Parameters)
	if saved.Severity == SeverityCritical {
		s.raiseAlert(ctx, req, saved)
	}
	return saved, nil
}

// raiseAlert hands a critical result to the notifier exactly once.
func (s *Service) raiseAlert(ctx context.Context, req *TestRequest, res *TestResult) {
	if s.alerts == nil {
		s.logger.Warn().Str("result_id", res.ID.String()).Msg("critical result but no alert notifier configured")
		return
	}
	alert := &CriticalAlert{
		ID:                uuid.New(),
		RequestID:         req.ID,
		ResultID:          res.ID,
		PatientRef:        req.PatientRef,
		Department:        req.Department,
		OrderingClinician: req.RequesterID,
		Priority:          req.Priority,
		Parameters:        alertParameters(res.Parameters),
		Status:            AlertPending,
		CreatedAt:         s.clock(),
	}
	s.alerts.Notify(ctx, alert)
	s.metrics.AlertRaised()
	id := alert.ID
	res.AlertID = &id
}

func alertParameters(params []TestParameter) []AlertParameter {
	var out []AlertParameter
	for _, p := range params {
		if p.Classification != Critical {
			continue
		}
		out = append(out, AlertParameter{
			Code:           p.Code,
			Name:           p.Name,
			Value:          p.Value,
			Unit:           p.Unit,
			Classification: p.Classification,
		})
	}
	return out
}

func (s *Service) GetResult(ctx context.Context, requestID uuid.UUID) (*TestResult, error) {
	res, err := s.results.GetByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	res.CriticalParameters = criticalKeys(res.Parameters)
	return res, nil
}

func (s *Service) GetResultByID(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	res, err := s.results.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	res.CriticalParameters = criticalKeys(res.Parameters)
	return res, nil
}

// -- Approval gate --

// addContributor appends who unless it is already listed, ignoring case.
func addContributor(list []string, who string) []string {
	who = strings.TrimSpace(who)
	if who == "" || isContributor(list, who) {
		return list
	}
	return append(list, who)
}

func isContributor(list []string, who string) bool {
	for _, c := range list {
		if strings.EqualFold(strings.TrimSpace(c), who) {
			return true
		}
	}
	return false
}

// ApproveResult releases an entered result. The approver must differ from
// everyone who entered values into it, including entries an analyzer merged
// into later.
func (s *Service) ApproveResult(ctx context.Context, resultID uuid.UUID, approverID string) (*TestResult, error) {
	const op = "approve result"
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return nil, validationf(op, "approver_id is required")
	}
	res, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		return nil, err
	}
	if res.Status == ResultPending {
		return nil, newError(KindInvalidTransition, op, "result has no entered values")
	}
	if strings.EqualFold(approverID, strings.TrimSpace(res.EnteredBy)) || isContributor(res.Contributors, approverID) {
		return nil, newError(KindSelfApprovalForbidden, op, approverID+" entered values in this result")
	}
	if res.Status == ResultApproved {
		res.CriticalParameters = criticalKeys(res.Parameters)
		return res, nil
	}

	req, err := s.requests.GetByID(ctx, res.RequestID)
	if err != nil {
		return nil, err
	}
	next, satisfied, err := requestTransition(req.Status, eventApprove)
	if err != nil {
		return nil, err
	}
	if err := s.checkActor(ctx, op, approverID); err != nil {
		return nil, err
	}

	now := s.clock()
	approved := *res
	approved.Status = ResultApproved
	approved.ApprovedBy = approverID
	approved.ApprovedAt = &now
	approved.UpdatedAt = now

	updatedReq := req
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.results.Update(ctx, &approved, res.Version); err != nil {
			return err
		}
		if satisfied {
			return nil
		}
		var err error
		updatedReq, err = s.advance(ctx, req, next, eventApprove, approverID, "")
		return err
	})
	if err != nil {
		if KindOf(err) == KindConflict {
			s.metrics.Conflict(eventApprove.String())
		}
		return nil, err
	}
	s.metrics.Transition(eventApprove.String())
	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("result_id", approved.ID.String()).
		Str("approved_by", approverID).
		Msg("result approved")

	approved.CriticalParameters = criticalKeys(approved.Parameters)
	s.archive(updatedReq, &approved)
	return &approved, nil
}

// RejectResult sends an entered result back for correction. The result stays
// Entered and the request keeps its status.
func (s *Service) RejectResult(ctx context.Context, resultID uuid.UUID, actor, reason string) (*TestResult, error) {
	const op = "reject result"
	actor = strings.TrimSpace(actor)
	reason = strings.TrimSpace(reason)
	if actor == "" {
		return nil, validationf(op, "actor is required")
	}
	if reason == "" {
		return nil, validationf(op, "reason is required")
	}
	res, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case ResultApproved:
		return nil, newError(KindResultLocked, op, "result "+res.ID.String()+" is approved")
	case ResultPending:
		return nil, newError(KindInvalidTransition, op, "result has no entered values")
	}

	now := s.clock()
	rejected := *res
	rejected.RejectionReason = reason
	rejected.RejectedBy = actor
	rejected.RejectedAt = &now
	rejected.UpdatedAt = now
	if err := s.results.Update(ctx, &rejected, res.Version); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("result_id", res.ID.String()).
		Str("rejected_by", actor).
		Str("reason", reason).
		Msg("result rejected")
	rejected.CriticalParameters = criticalKeys(rejected.Parameters)
	return &rejected, nil
}

// archive uploads the FHIR rendering of an approved result in the background.
func (s *Service) archive(req *TestRequest, res *TestResult) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sample, err := s.samples.GetByRequest(ctx, req.ID)
		if err != nil {
			sample = nil
		}
		body, err := json.Marshal(res.ToFHIR(req, sample))
		if err != nil {
			s.logger.Error().Err(err).Str("result_id", res.ID.String()).Msg("render report for archive")
			return
		}
		key := ArchiveKey(req, res)
		if err := s.archiver.Archive(ctx, key, body); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("archive approved report")
			return
		}
		s.logger.Debug().Str("key", key).Msg("approved report archived")
	}()
}

// ArchiveKey is the object key of an approved report.
func ArchiveKey(req *TestRequest, res *TestResult) string {
	day := req.CreatedAt.UTC().Format("2006/01/02")
	if res.ApprovedAt != nil {
		day = res.ApprovedAt.UTC().Format("2006/01/02")
	}
	return "reports/" + day + "/" + req.ID.String() + "/" + res.ID.String() + ".json"
}
