package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment is one line of a message, e.g. "OBX".
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the raw value and the components of its first repetition.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Parse parses raw HL7v2 message bytes. Segments may be separated by \r, \n
// or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	enc := newEncoding(lines[0])
	msg := &Message{}
	for _, line := range lines {
		seg, err := enc.parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	msg.readHeader()
	return msg, nil
}

// encoding holds the delimiters declared in MSH-1 and MSH-2.
type encoding struct {
	field, component, repetition, escape byte
}

func newEncoding(msh string) encoding {
	enc := encoding{field: msh[3], component: '^', repetition: '~', escape: '\\'}
	chars := msh[4:]
	if i := strings.IndexByte(chars, enc.field); i >= 0 {
		chars = chars[:i]
	}
	if len(chars) > 0 {
		enc.component = chars[0]
	}
	if len(chars) > 1 {
		enc.repetition = chars[1]
	}
	if len(chars) > 2 {
		enc.escape = chars[2]
	}
	return enc
}

func (e encoding) parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	sep := string(e.field)
	if strings.HasPrefix(line, "MSH") {
		// MSH-1 is the separator itself; MSH-2 (encoding chars) is kept verbatim.
		seg := Segment{Name: "MSH", Fields: []Field{{Value: sep, Components: []string{sep}}}}
		for i, part := range strings.Split(line[4:], sep) {
			if i == 0 {
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, e.parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, sep, 2)
	seg := Segment{Name: parts[0]}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], sep) {
			seg.Fields = append(seg.Fields, e.parseField(f))
		}
	}
	return seg, nil
}

func (e encoding) parseField(raw string) Field {
	f := Field{Value: e.unescape(raw)}
	for _, rep := range strings.Split(raw, string(e.repetition)) {
		comps := strings.Split(rep, string(e.component))
		for i := range comps {
			comps[i] = e.unescape(comps[i])
		}
		f.Repeats = append(f.Repeats, comps)
	}
	f.Components = f.Repeats[0]
	return f
}

// unescape resolves the standard delimiter escapes (\F\ \S\ \T\ \R\ \E\).
func (e encoding) unescape(s string) string {
	esc := string(e.escape)
	if !strings.Contains(s, esc) {
		return s
	}
	r := strings.NewReplacer(
		esc+"F"+esc, string(e.field),
		esc+"S"+esc, string(e.component),
		esc+"T"+esc, "&",
		esc+"R"+esc, string(e.repetition),
		esc+"E"+esc, esc,
	)
	return r.Replace(s)
}

func (m *Message) readHeader() {
	msh := m.GetSegment("MSH")
	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)
	if ts := msh.GetField(7); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			m.Timestamp = t
		}
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseHL7Timestamp parses YYYYMMDD[HHmm[ss]], ignoring fractions and zone.
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// MessageCode returns the first component of MSH-9, e.g. "ORU".
func (m *Message) MessageCode() string {
	code, _, _ := strings.Cut(m.Type, "^")
	return code
}

// TriggerEvent returns the second component of MSH-9, e.g. "R01".
func (m *Message) TriggerEvent() string {
	parts := strings.Split(m.Type, "^")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns a field by its HL7 position (MSH-3 is GetField(3) on MSH,
// OBX-5 is GetField(5) on OBX).
func (s *Segment) GetField(index int) string {
	if s == nil {
		return ""
	}
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	if s == nil {
		return ""
	}
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	comps := s.Fields[idx].Components
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	return m.GetSegment("PID").GetComponent(3, 1)
}
