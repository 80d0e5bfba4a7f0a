package laboratory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Priority of a clinical order. Higher values are more urgent.
type Priority int

const (
	PriorityNormal Priority = iota + 1
	PriorityUrgent
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityEmergency:
		return "emergency"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityNormal || p > PriorityEmergency {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts the wire names and the legacy 1/2/3 codes.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "routine", "1":
		return PriorityNormal, nil
	case "urgent", "2":
		return PriorityUrgent, nil
	case "emergency", "stat", "3":
		return PriorityEmergency, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Classification of a single measured value against its reference range.
type Classification int

const (
	Unclassified Classification = iota
	Normal
	Low
	High
	Critical
)

func (c Classification) String() string {
	switch c {
	case Normal:
		return "normal"
	case Low:
		return "low"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return "unclassified"
}

func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Classification) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "normal":
		*c = Normal
	case "low":
		*c = Low
	case "high":
		*c = High
	case "critical":
		*c = Critical
	case "unclassified", "":
		*c = Unclassified
	default:
		return fmt.Errorf("unknown classification %q", string(b))
	}
	return nil
}

// Severity is the aggregate of all parameter classifications on a result.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityAbnormal
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityAbnormal:
		return "abnormal"
	case SeverityCritical:
		return "critical"
	}
	return "normal"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "normal", "":
		*s = SeverityNormal
	case "abnormal":
		*s = SeverityAbnormal
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// ValueType tells the evaluator how to interpret a raw value.
type ValueType string

const (
	ValueNumeric ValueType = "numeric"
	ValueText    ValueType = "text"
)

// ResultSource records where the parameter values came from.
type ResultSource string

const (
	SourceManual   ResultSource = "manual"
	SourceAnalyzer ResultSource = "analyzer"
)

// TestRequest is a clinical laboratory order.
type TestRequest struct {
	ID            uuid.UUID     `json:"id"`
	PatientRef    string        `json:"patient_ref"`
	RequesterID   string        `json:"requester_id"`
	Department    string        `json:"department,omitempty"`
	Tests         []string      `json:"tests"`
	Priority      Priority      `json:"priority"`
	Status        RequestStatus `json:"status"`
	ClinicalNotes string        `json:"clinical_notes,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Sample is the physical specimen collected for a request.
type Sample struct {
	ID                    uuid.UUID  `json:"id"`
	RequestID             uuid.UUID  `json:"request_id"`
	Barcode               string     `json:"barcode"`
	SampleType            string     `json:"sample_type"`
	CollectorID           string     `json:"collector_id"`
	CollectedAt           time.Time  `json:"collected_at"`
	Analyzer              string     `json:"analyzer,omitempty"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	Version               int        `json:"version"`
}

// TestParameter is one measured value within a result. Classification is
// derived by the evaluator on every assembly and load.
type TestParameter struct {
	Code           string           `json:"code"`
	Name           string           `json:"name"`
	Value          string           `json:"value"`
	Unit           string           `json:"unit,omitempty"`
	ValueType      ValueType        `json:"value_type"`
	NormalMin      *decimal.Decimal `json:"normal_min,omitempty"`
	NormalMax      *decimal.Decimal `json:"normal_max,omitempty"`
	CriticalLow    *decimal.Decimal `json:"critical_low,omitempty"`
	CriticalHigh   *decimal.Decimal `json:"critical_high,omitempty"`
	AllowedValues  []string         `json:"allowed_values,omitempty"`
	// RangeVersion names the catalog version the thresholds came from. It
	// is empty when they were supplied with the value.
	RangeVersion   string           `json:"range_version,omitempty"`
	Classification Classification   `json:"classification"`
}

// Key identifies the parameter within its result.
func (p TestParameter) Key() string {
	if p.Code != "" {
		return strings.ToUpper(p.Code)
	}
	return strings.ToUpper(p.Name)
}

// TestResult is the clinical output of a request.
type TestResult struct {
	ID                 uuid.UUID       `json:"id"`
	RequestID          uuid.UUID       `json:"request_id"`
	Parameters         []TestParameter `json:"parameters"`
	Notes              string          `json:"notes,omitempty"`
	Status             ResultStatus    `json:"status"`
	Severity           Severity        `json:"severity"`
	CriticalParameters []string        `json:"critical_parameters,omitempty"`
	AlertID            *uuid.UUID      `json:"alert_id,omitempty"`
	CatalogVersion     string          `json:"catalog_version"`
	Fingerprint        string          `json:"fingerprint"`
	Source             ResultSource    `json:"source"`
	EnteredBy          string          `json:"entered_by,omitempty"`
	Contributors       []string        `json:"contributors,omitempty"`
	EnteredAt          *time.Time      `json:"entered_at,omitempty"`
	ApprovedBy         string          `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	RejectedBy         string          `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// StatusChange is one audit row of the request lifecycle.
type StatusChange struct {
	ID         uuid.UUID     `json:"id"`
	RequestID  uuid.UUID     `json:"request_id"`
	FromStatus RequestStatus `json:"from_status"`
	ToStatus   RequestStatus `json:"to_status"`
	Event      string        `json:"event"`
	ChangedBy  string        `json:"changed_by"`
	Reason     string        `json:"reason,omitempty"`
	ChangedAt  time.Time     `json:"changed_at"`
}

// AlertStatus tracks delivery of a critical alert.
type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertDelivered    AlertStatus = "delivered"
	AlertFailed       AlertStatus = "failed"
	AlertAcknowledged AlertStatus = "acknowledged"
)

// AlertParameter is the subset of a critical parameter carried by an alert.
type AlertParameter struct {
	Code           string         `json:"code"`
	Name           string         `json:"name"`
	Value          string         `json:"value"`
	Unit           string         `json:"unit,omitempty"`
	Classification Classification `json:"classification"`
}

// CriticalAlert is a notification raised for a result with critical values.
type CriticalAlert struct {
	ID                uuid.UUID        `json:"id"`
	RequestID         uuid.UUID        `json:"request_id"`
	ResultID          uuid.UUID        `json:"result_id"`
	PatientRef        string           `json:"patient_ref"`
	PatientName       string           `json:"patient_name,omitempty"`
	Department        string           `json:"department,omitempty"`
	OrderingClinician string           `json:"ordering_clinician,omitempty"`
	Priority          Priority         `json:"priority"`
	Parameters        []AlertParameter `json:"parameters"`
	Status            AlertStatus      `json:"status"`
	Attempts          int              `json:"attempts"`
	DeliveredChannels []string         `json:"delivered_channels,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	DeliveredAt       *time.Time       `json:"delivered_at,omitempty"`
	AcknowledgedBy    string           `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time       `json:"acknowledged_at,omitempty"`
}

// RequestFilter narrows listPendingRequests.
type RequestFilter struct {
	Statuses   []RequestStatus
	Priority   Priority
	Department string
	PatientRef string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
