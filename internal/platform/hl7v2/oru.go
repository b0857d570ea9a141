package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Observation is one OBX result together with the identifiers of the OBR
// order it belongs to.
type Observation struct {
	Barcode    string // OBR-3.1 filler order number: the sample barcode
	SubOrderID string // OBR-2.1 placer order number
	TestCode   string // OBX-3.1
	Value      string // OBX-5
	Unit       string // OBX-6.1
	Status     string // OBX-11
	ObservedAt time.Time
}

// Final reports whether the observation status carries a usable final or
// corrected value.
func (o Observation) Final() bool {
	return o.Status == "" || o.Status == "F" || o.Status == "C"
}

// ExtractObservations walks an ORU^R01 message in order. Each OBX inherits
// the identifiers of the OBR that precedes it.
func ExtractObservations(msg *Message) ([]Observation, error) {
	if !strings.HasPrefix(msg.Type, "ORU^R01") {
		return nil, fmt.Errorf("hl7v2: expected ORU^R01, got %q", msg.Type)
	}
	var (
		out     []Observation
		current *Segment
	)
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "OBR":
			current = seg
		case "OBX":
			if current == nil {
				return nil, fmt.Errorf("hl7v2: OBX %s before any OBR", seg.GetField(1))
			}
			o := Observation{
				Barcode:    current.GetComponent(3, 1),
				SubOrderID: current.GetComponent(2, 1),
				TestCode:   seg.GetComponent(3, 1),
				Value:      seg.GetField(5),
				Unit:       seg.GetComponent(6, 1),
				Status:     strings.ToUpper(seg.GetField(11)),
			}
			if t, err := parseTimestamp(seg.GetField(14)); err == nil {
				o.ObservedAt = t
			} else if t, err := parseTimestamp(current.GetField(7)); err == nil {
				o.ObservedAt = t
			}
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("hl7v2: ORU message %s has no OBX segments", msg.ControlID)
	}
	return out, nil
}
