package hl7v2

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ACK codes for MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

var ackSeq atomic.Uint64

// escapeText strips delimiter characters so free text cannot split fields.
var escapeText = strings.NewReplacer("|", " ", "^", " ", "~", " ", "&", " ", "\\", " ")

func field(v string) Field {
	return Field{Value: v, Components: strings.Split(v, "^")}
}

// GenerateACK acknowledges incoming. Sender and receiver are swapped, MSA-2
// echoes the incoming control id and text, when set, goes to MSA-3.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := ""
	if _, t, ok := strings.Cut(incoming.Type, "^"); ok {
		trigger, _, _ = strings.Cut(t, "^")
	}

	now := time.Now().UTC()
	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    fmt.Sprintf("ACK%s%04d", now.Format("20060102150405"), ackSeq.Add(1)%10000),
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	// MSH-1 is the field separator itself; SerializeMessage skips it.
	msh := Segment{Name: "MSH", Fields: []Field{
		{Value: "|", Components: []string{"|"}},
		{Value: `^~\&`, Components: []string{`^~\&`}},
		field(ack.SendingApp),
		field(ack.SendingFac),
		field(ack.ReceivingApp),
		field(ack.ReceivingFac),
		field(now.Format("20060102150405")),
		field(""),
		field(ack.Type),
		field(ack.ControlID),
		field("P"),
		field(incoming.Version),
	}}
	msa := Segment{Name: "MSA", Fields: []Field{field(ackCode), field(incoming.ControlID)}}
	if text != "" {
		msa.Fields = append(msa.Fields, field(escapeText.Replace(text)))
	}
	ack.Segments = []Segment{msh, msa}
	return ack
}

// SerializeMessage renders msg with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	lines := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		lines = append(lines, serializeSegment(seg))
	}
	return []byte(strings.Join(lines, "\r"))
}

func serializeSegment(seg Segment) string {
	fields := seg.Fields
	if seg.Name == "MSH" {
		if len(fields) < 2 {
			return "MSH|"
		}
		fields = fields[1:]
	}
	var b strings.Builder
	b.WriteString(seg.Name)
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(f.Value)
	}
	return b.String()
}
