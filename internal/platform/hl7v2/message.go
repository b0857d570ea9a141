// Package hl7v2 parses HL7 version 2 messages, extracts ORU^R01 results and
// serves them over MLLP.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9, e.g. "ORU^R01"
	ControlID    string    // MSH-10
	Version      string    // MSH-12
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

type Segment struct {
	Name   string
	Fields []Field
}

// Field holds a raw value and its first repetition split into components.
type Field struct {
	Value      string
	Components []string
}

// Parse accepts \r, \n or \r\n segment separators.
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
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	msg.extractMSHFields()
	return msg, nil
}

func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	if strings.HasPrefix(line, "MSH") {
		// MSH-1 is the field separator itself, so MSH-n lives at Fields[n-1].
		seg := Segment{Name: "MSH"}
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg := Segment{Name: parts[0]}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	first, _, _ := strings.Cut(raw, "~")
	return Field{Value: raw, Components: strings.Split(first, "^")}
}

func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	if t, err := parseTimestamp(msh.GetField(7)); err == nil {
		m.Timestamp = t
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseTimestamp reads YYYYMMDDHHmmss, YYYYMMDDHHmm or YYYYMMDD as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	}
	return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp %q", s)
}

// GetSegment returns the first segment named name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetField returns field index (1-based). For MSH, index 1 is the field
// separator.
func (s *Segment) GetField(index int) string {
	if s == nil || index < 1 || index > len(s.Fields) {
		return ""
	}
	return s.Fields[index-1].Value
}

// GetComponent returns component comp (1-based) of field index.
func (s *Segment) GetComponent(index, comp int) string {
	if s == nil || index < 1 || index > len(s.Fields) {
		return ""
	}
	c := s.Fields[index-1].Components
	if comp < 1 || comp > len(c) {
		return ""
	}
	return c[comp-1]
}
