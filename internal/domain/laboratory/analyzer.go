package laboratory

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/lis/internal/platform/hl7v2"
	"github.com/ehr/lis/internal/platform/metrics"
)

// analyzerActorPrefix marks results entered by an instrument rather than a
// person. Such actors are never looked up in the clinician directory.
const analyzerActorPrefix = "analyzer:"

// IngestOutcome reports what happened to one OBR group of an ORU message.
type IngestOutcome struct {
	Barcode   string      `json:"barcode"`
	RequestID uuid.UUID   `json:"request_id,omitempty"`
	Result    *TestResult `json:"result,omitempty"`
	Err       error       `json:"-"`
	Error     string      `json:"error,omitempty"`
}

// AnalyzerIngestor turns analyzer ORU^R01 messages into saved results.
type AnalyzerIngestor struct {
	svc     *Service
	metrics *metrics.Registry
	logger  zerolog.Logger
}

func NewAnalyzerIngestor(svc *Service, m *metrics.Registry, logger zerolog.Logger) *AnalyzerIngestor {
	return &AnalyzerIngestor{
		svc:     svc,
		metrics: m,
		logger:  logger.With().Str("component", "analyzer").Logger(),
	}
}

// Handle is the MLLP message handler. It answers AR for messages that are
// not usable results, AE when any order failed and AA otherwise.
func (a *AnalyzerIngestor) Handle(ctx context.Context, msg *hl7v2.Message) *hl7v2.Message {
	ack, _, _ := a.Process(ctx, msg)
	return ack
}

// Process ingests msg and returns the acknowledgment with per-order outcomes.
func (a *AnalyzerIngestor) Process(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, []IngestOutcome, error) {
	log := a.logger.With().
		Str("control_id", msg.ControlID).
		Str("sending_app", msg.SendingApp).
		Logger()

	outcomes, err := a.Ingest(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Msg("analyzer message rejected")
		a.metrics.AnalyzerMessage(hl7v2.AckReject)
		return hl7v2.GenerateACK(msg, hl7v2.AckReject, err.Error()), nil, err
	}

	var failed []string
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o.Barcode+": "+o.Err.Error())
		}
	}
	if len(failed) > 0 {
		log.Warn().Strs("errors", failed).Int("orders", len(outcomes)).Msg("analyzer results not accepted")
		a.metrics.AnalyzerMessage(hl7v2.AckError)
		return hl7v2.GenerateACK(msg, hl7v2.AckError, strings.Join(failed, "; ")), outcomes, nil
	}

	log.Info().Int("orders", len(outcomes)).Msg("analyzer results accepted")
	a.metrics.AnalyzerMessage(hl7v2.AckAccept)
	return hl7v2.GenerateACK(msg, hl7v2.AckAccept, ""), outcomes, nil
}

// Ingest saves the observations of every OBR group. The error result is only
// set when the message as a whole cannot be used.
func (a *AnalyzerIngestor) Ingest(ctx context.Context, msg *hl7v2.Message) ([]IngestOutcome, error) {
	orders, err := hl7v2.ExtractORU(msg)
	if err != nil {
		return nil, err
	}
	actor := analyzerActorPrefix + strings.TrimSpace(msg.SendingApp)
	if msg.SendingApp == "" {
		actor = analyzerActorPrefix + "unknown"
	}

	outcomes := make([]IngestOutcome, 0, len(orders))
	for _, o := range orders {
		out := IngestOutcome{Barcode: o.SampleBarcode()}
		out.RequestID, out.Result, out.Err = a.ingestOrder(ctx, o, actor)
		if out.Err != nil {
			out.Error = out.Err.Error()
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (a *AnalyzerIngestor) ingestOrder(ctx context.Context, o hl7v2.ORUOrder, actor string) (uuid.UUID, *TestResult, error) {
	const op = "analyzer result"
	barcode := o.SampleBarcode()
	if barcode == "" {
		return uuid.Nil, nil, validationf(op, "order carries no specimen identifier")
	}
	sample, err := a.svc.FindSampleByBarcode(ctx, barcode)
	if err != nil {
		return uuid.Nil, nil, err
	}

	catalog, err := a.svc.catalog.Current(ctx)
	if err != nil {
		return sample.RequestID, nil, err
	}
	incoming, err := observationParameters(catalog, o.Observations)
	if err != nil {
		return sample.RequestID, nil, err
	}

	params := incoming
	existing, err := a.svc.results.GetByRequest(ctx, sample.RequestID)
	switch {
	case err == nil && existing.Status == ResultEntered:
		params = mergeParameters(existing.Parameters, incoming)
	case err != nil && KindOf(err) != KindNotFound:
		return sample.RequestID, nil, err
	}

	res, err := a.svc.SaveResult(ctx, SaveResultInput{
		RequestID:  sample.RequestID,
		EnteredBy:  actor,
		Parameters: params,
		Notes:      notesOf(existing),
		Source:     SourceAnalyzer,
	})
	if err != nil {
		return sample.RequestID, nil, err
	}
	return sample.RequestID, res, nil
}

func notesOf(r *TestResult) string {
	if r == nil || r.Status != ResultEntered {
		return ""
	}
	return r.Notes
}

// observationParameters converts OBX segments. Observations the analyzer
// could not produce (status X) or retracted (status D) are skipped. The
// reference range sent by the analyzer is only used for parameters the
// catalog does not know, so catalog critical limits always apply.
func observationParameters(c *Catalog, obs []hl7v2.Observation) ([]TestParameter, error) {
	const op = "analyzer result"
	params := make([]TestParameter, 0, len(obs))
	for _, ob := range obs {
		switch strings.ToUpper(ob.ResultStatus) {
		case "X", "D":
			continue
		}
		p := TestParameter{
			Code:  ob.Code,
			Name:  ob.Name,
			Value: ob.Value,
			Unit:  ob.Units,
		}
		if ob.Numeric() {
			p.ValueType = ValueNumeric
		} else {
			p.ValueType = ValueText
		}
		lookup := p.Code
		if lookup == "" {
			lookup = p.Name
		}
		if _, known := c.Lookup(lookup); !known && p.ValueType == ValueNumeric {
			if low, high, ok := ob.ReferenceBounds(); ok {
				p.NormalMin = optionalDecimal(low)
				p.NormalMax = optionalDecimal(high)
			}
		}
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil, validationf(op, "order has no usable observations")
	}
	return params, nil
}

func optionalDecimal(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &d
}

// mergeParameters overlays incoming on the previously entered parameters,
// so an analyzer that reports a panel in several messages builds one result.
func mergeParameters(previous, incoming []TestParameter) []TestParameter {
	index := make(map[string]int, len(previous))
	merged := make([]TestParameter, 0, len(previous)+len(incoming))
	for _, p := range previous {
		p.Classification = Unclassified
		index[p.Key()] = len(merged)
		merged = append(merged, p)
	}
	for _, p := range incoming {
		if i, ok := index[p.Key()]; ok {
			merged[i] = p
			continue
		}
		index[p.Key()] = len(merged)
		merged = append(merged, p)
	}
	return merged
}

// IngestRaw parses raw HL7 and processes it. It is used by the replay
// endpoint, which has no MLLP framing.
func (a *AnalyzerIngestor) IngestRaw(ctx context.Context, raw []byte) (*hl7v2.Message, []IngestOutcome, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		a.metrics.AnalyzerMessage(hl7v2.AckReject)
		return hl7v2.RejectUnparsed(raw, err.Error()), nil, validationf("analyzer result", "%v", err)
	}
	ack, outcomes, err := a.Process(ctx, msg)
	if err != nil {
		return ack, nil, validationf("analyzer result", "%v", err)
	}
	return ack, outcomes, nil
}

