package hl7v2

import (
	"fmt"
	"strings"
)

// Observation is one OBX segment of a result message.
type Observation struct {
	SetID          string
	ValueType      string // OBX-2: NM, ST, TX, CE ...
	Code           string // OBX-3.1
	Name           string // OBX-3.2
	CodingSystem   string // OBX-3.3
	Value          string // OBX-5
	Units          string // OBX-6.1
	ReferenceRange string // OBX-7
	AbnormalFlags  string // OBX-8
	ResultStatus   string // OBX-11
}

// Numeric reports whether OBX-2 declares a numeric value.
func (o Observation) Numeric() bool {
	switch o.ValueType {
	case "NM", "SN":
		return true
	}
	return false
}

// ReferenceBounds splits OBX-7 of the form "low-high". Either side may be
// empty; ok is false when the range is not of that shape.
func (o Observation) ReferenceBounds() (low, high string, ok bool) {
	r := strings.TrimSpace(o.ReferenceRange)
	if r == "" {
		return "", "", false
	}
	// A leading minus belongs to the low bound.
	idx := strings.Index(r[1:], "-")
	if idx < 0 {
		return "", "", false
	}
	idx++
	return strings.TrimSpace(r[:idx]), strings.TrimSpace(r[idx+1:]), true
}

// ORUOrder is one OBR group of an ORU^R01 message with its observations.
type ORUOrder struct {
	PlacerOrder    string // OBR-2
	FillerOrder    string // OBR-3
	SpecimenID     string // SPM-2, when present
	UniversalID    string // OBR-4.1
	ObservedAt     string // OBR-7
	ResultStatus   string // OBR-25
	Observations   []Observation
	PatientID      string
	SendingApp     string
	MessageControl string
}

// SampleBarcode is the specimen identifier the analyzer echoed back: the
// filler order number, else the specimen id, else the placer order number.
func (o ORUOrder) SampleBarcode() string {
	for _, v := range []string{o.FillerOrder, o.SpecimenID, o.PlacerOrder} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ExtractORU groups the OBX segments of an ORU^R01 message under their OBR.
func ExtractORU(msg *Message) ([]ORUOrder, error) {
	if msg.MessageCode() != "ORU" {
		return nil, fmt.Errorf("hl7v2: expected ORU message, got %q", msg.Type)
	}
	patient := msg.PatientID()

	var orders []ORUOrder
	var current *ORUOrder
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "OBR":
			orders = append(orders, ORUOrder{
				PlacerOrder:    seg.GetComponent(2, 1),
				FillerOrder:    seg.GetComponent(3, 1),
				UniversalID:    seg.GetComponent(4, 1),
				ObservedAt:     seg.GetField(7),
				ResultStatus:   seg.GetField(25),
				PatientID:      patient,
				SendingApp:     msg.SendingApp,
				MessageControl: msg.ControlID,
			})
			current = &orders[len(orders)-1]
		case "SPM":
			if current != nil && current.SpecimenID == "" {
				current.SpecimenID = seg.GetComponent(2, 1)
			}
		case "OBX":
			if current == nil {
				return nil, fmt.Errorf("hl7v2: OBX segment before any OBR")
			}
			current.Observations = append(current.Observations, Observation{
				SetID:          seg.GetField(1),
				ValueType:      seg.GetField(2),
				Code:           seg.GetComponent(3, 1),
				Name:           seg.GetComponent(3, 2),
				CodingSystem:   seg.GetComponent(3, 3),
				Value:          seg.GetField(5),
				Units:          seg.GetComponent(6, 1),
				ReferenceRange: seg.GetField(7),
				AbnormalFlags:  seg.GetField(8),
				ResultStatus:   seg.GetField(11),
			})
		}
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("hl7v2: ORU message has no OBR segment")
	}
	return orders, nil
}
