package laboratory

import (
	"fmt"
	"strings"
)

// RequestStatus is the lifecycle stage of a TestRequest.
type RequestStatus int

const (
	StatusPending RequestStatus = iota + 1
	StatusCollected
	StatusProcessing
	StatusResultsEntered
	StatusApproved
	StatusCancelled
	StatusVoided
)

var requestStatusNames = map[RequestStatus]string{
	StatusPending:        "pending",
	StatusCollected:      "collected",
	StatusProcessing:     "processing",
	StatusResultsEntered: "results-entered",
	StatusApproved:       "approved",
	StatusCancelled:      "cancelled",
	StatusVoided:         "voided",
}

func (s RequestStatus) String() string {
	if n, ok := requestStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("RequestStatus(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s RequestStatus) Valid() bool {
	_, ok := requestStatusNames[s]
	return ok
}

// Terminal reports whether no further lifecycle transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusCancelled || s == StatusVoided
}

// Rank is the position of s on the main path, Pending being 1. Cancelled,
// Voided and unknown statuses rank 0.
func (s RequestStatus) Rank() int {
	if s < StatusPending || s > StatusApproved {
		return 0
	}
	return int(s)
}

func (s RequestStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid request status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *RequestStatus) UnmarshalText(b []byte) error {
	v, err := ParseRequestStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseRequestStatus converts the wire name of a status.
func ParseRequestStatus(name string) (RequestStatus, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range requestStatusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown request status %q", name)
}

// lifecycleEvent names a command that moves a request between stages.
type lifecycleEvent int

const (
	eventCollect lifecycleEvent = iota + 1
	eventStartProcessing
	eventCompleteProcessing
	eventEnterResults
	eventApprove
	eventCancel
	eventVoid
)

func (e lifecycleEvent) String() string {
	switch e {
	case eventCollect:
		return "collect"
	case eventStartProcessing:
		return "start-processing"
	case eventCompleteProcessing:
		return "complete-processing"
	case eventEnterResults:
		return "enter-results"
	case eventApprove:
		return "approve"
	case eventCancel:
		return "cancel"
	case eventVoid:
		return "void"
	}
	return "unknown"
}

type transitionRule struct {
	from []RequestStatus
	to   RequestStatus
}

// requestTransitions is the complete lifecycle table. completeProcessing
// keeps the request in Processing; it only stamps the sample.
var requestTransitions = map[lifecycleEvent]transitionRule{
	eventCollect:            {from: []RequestStatus{StatusPending}, to: StatusCollected},
	eventStartProcessing:    {from: []RequestStatus{StatusCollected}, to: StatusProcessing},
	eventCompleteProcessing: {from: []RequestStatus{StatusProcessing}, to: StatusProcessing},
	eventEnterResults:       {from: []RequestStatus{StatusCollected, StatusProcessing, StatusResultsEntered}, to: StatusResultsEntered},
	eventApprove:            {from: []RequestStatus{StatusResultsEntered}, to: StatusApproved},
	eventCancel:             {from: []RequestStatus{StatusPending, StatusCollected}, to: StatusCancelled},
	eventVoid:               {from: []RequestStatus{StatusProcessing, StatusResultsEntered}, to: StatusVoided},
}

// requestTransition returns the status that event leads to from current.
// satisfied is true when current already equals the target of a transition
// that is not allowed from the target itself, i.e. a replayed command.
func requestTransition(current RequestStatus, event lifecycleEvent) (next RequestStatus, satisfied bool, err error) {
	rule, ok := requestTransitions[event]
	if !ok {
		return current, false, newError(KindInvalidTransition, event.String(), "unknown lifecycle event")
	}
	for _, f := range rule.from {
		if f == current {
			return rule.to, false, nil
		}
	}
	if current == rule.to {
		return current, true, nil
	}
	return current, false, newError(KindInvalidTransition, event.String(),
		fmt.Sprintf("request is %s, %s requires %s", current, event, joinStatuses(rule.from)))
}

func joinStatuses(ss []RequestStatus) string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = s.String()
	}
	return strings.Join(names, " or ")
}

// ResultStatus is the state of a TestResult.
type ResultStatus int

const (
	ResultPending ResultStatus = iota + 1
	ResultEntered
	ResultApproved
)

func (s ResultStatus) String() string {
	switch s {
	case ResultPending:
		return "pending"
	case ResultEntered:
		return "entered"
	case ResultApproved:
		return "approved"
	}
	return fmt.Sprintf("ResultStatus(%d)", int(s))
}

func (s ResultStatus) MarshalText() ([]byte, error) {
	switch s {
	case ResultPending, ResultEntered, ResultApproved:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("invalid result status %d", int(s))
}

func (s *ResultStatus) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "pending":
		*s = ResultPending
	case "entered":
		*s = ResultEntered
	case "approved":
		*s = ResultApproved
	default:
		return fmt.Errorf("unknown result status %q", string(b))
	}
	return nil
}
