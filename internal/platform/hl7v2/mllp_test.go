package hl7v2

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFrameUnframe(t *testing.T) {
	raw := []byte("MSH|^~\\&|A|B|||20260115||ORU^R01|C1|P|2.5.1")
	framed := FrameMessage(raw)
	if framed[0] != MLLPStartBlock || framed[len(framed)-2] != MLLPEndBlock || framed[len(framed)-1] != MLLPCarriageReturn {
		t.Fatalf("bad framing bytes: %v", framed)
	}

	two := append(framed, FrameMessage([]byte("MSH|second"))...)
	msg, rest, found := UnframeMessage(two)
	if !found || !bytes.Equal(msg, raw) {
		t.Fatalf("first frame = %q, found=%v", msg, found)
	}
	msg, rest, found = UnframeMessage(rest)
	if !found || string(msg) != "MSH|second" || len(rest) != 0 {
		t.Errorf("second frame = %q rest=%d", msg, len(rest))
	}

	if _, _, found := UnframeMessage(framed[:len(framed)-2]); found {
		t.Error("partial frame must not be found")
	}
}

func TestGenerateACK(t *testing.T) {
	in, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatal(err)
	}
	ack := GenerateACK(in, AckError, "no queued GLU|assignment")
	if ack.Type != "ACK^R01" || ack.ReceivingFac != "Bench1" || ack.SendingFac != "LAB01" {
		t.Errorf("ack header = %+v", ack)
	}
	wire := string(SerializeMessage(ack))
	if !strings.Contains(wire, "\rMSA|AE|MSG00002|no queued GLU assignment") {
		t.Errorf("unexpected MSA in %q", wire)
	}

	back, err := Parse([]byte(wire))
	if err != nil {
		t.Fatalf("ACK does not parse: %v", err)
	}
	if back.GetSegment("MSA").GetField(2) != "MSG00002" {
		t.Error("MSA-2 must echo the control id")
	}
}

func TestMLLPServer_RoundTrip(t *testing.T) {
	received := make(chan *Message, 1)
	srv := NewMLLPServer("127.0.0.1:0", func(ctx context.Context, msg *Message) *Message {
		received <- msg
		return GenerateACK(msg, AckAccept, "")
	}, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(sampleORU))); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ControlID != "MSG00002" {
			t.Errorf("handler got control id %q", msg.ControlID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	var got []byte
	for {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if _, _, found := UnframeMessage(got); found || err != nil {
			break
		}
	}
	ackRaw, _, found := UnframeMessage(got)
	if !found {
		t.Fatalf("no framed ACK in %q", got)
	}
	ack, err := Parse(ackRaw)
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if ack.GetSegment("MSA").GetField(1) != AckAccept {
		t.Errorf("ack code = %q", ack.GetSegment("MSA").GetField(1))
	}
}

func TestMLLPServer_StopIsClean(t *testing.T) {
	srv := NewMLLPServer("127.0.0.1:0", func(context.Context, *Message) *Message { return nil }, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestMLLPServer_ConnectionLimit(t *testing.T) {
	srv := NewMLLPServer("127.0.0.1:0", func(context.Context, *Message) *Message { return nil }, zerolog.Nop(), WithMaxConns(1))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	first, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	// Give the accept loop time to track the first peer.
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the second connection to be closed")
	}
}

func TestAckControlIDsAreUnique(t *testing.T) {
	in, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := GenerateACK(in, AckAccept, "").ControlID
		if seen[id] {
			t.Fatalf("duplicate control id %s", id)
		}
		seen[id] = true
	}
}
