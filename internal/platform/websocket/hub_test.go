package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/tenant"
)

func receive(t *testing.T, c *Client) (events.Event, bool) {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return ev, true
	default:
		return events.Event{}, false
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	lab := uuid.New()
	c := NewClient(lab, "tech-1", []string{"*"})

	hub.Register(c)
	if hub.ClientCount() != 1 || hub.TenantCount(lab) != 1 {
		t.Fatalf("expected 1 client, got %d/%d", hub.ClientCount(), hub.TenantCount(lab))
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, open := <-c.Send; open {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_PublishIsTenantScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	labA, labB := uuid.New(), uuid.New()
	a := NewClient(labA, "a", []string{"*"})
	b := NewClient(labB, "b", []string{"*"})
	hub.Register(a)
	hub.Register(b)

	ev := events.New(events.AssignmentQueued, labA, "LAB01", "assignment", "x", nil)
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, ok := receive(t, a)
	if !ok || got.ID != ev.ID {
		t.Fatalf("expected client A to receive %s", ev.ID)
	}
	if _, ok := receive(t, b); ok {
		t.Fatal("client B must not see another tenant's events")
	}
}

func TestHub_PatternSubscriptions(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	lab := uuid.New()
	c := NewClient(lab, "tech", []string{"result.*"})
	hub.Register(c)

	publish := func(typ string) {
		_ = hub.Publish(context.Background(), events.New(typ, lab, "LAB01", "x", "1", nil))
	}

	publish(events.AssignmentQueued)
	if _, ok := receive(t, c); ok {
		t.Fatal("assignment event should be filtered out")
	}
	publish(events.ResultCritical)
	if ev, ok := receive(t, c); !ok || ev.Type != events.ResultCritical {
		t.Fatalf("expected result.critical, got %+v", ev)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Events: []string{"assignment.queued", "result.*"}})
	publish(events.AssignmentQueued)
	if _, ok := receive(t, c); !ok {
		t.Fatal("expected assignment.queued after subscribe")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Events: []string{"result.*"}})
	publish(events.ResultHeld)
	if _, ok := receive(t, c); ok {
		t.Fatal("result events should stop after unsubscribe")
	}
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	lab := uuid.New()
	c := &Client{ID: "slow", TenantID: lab, Send: make(chan []byte, 1), patterns: []string{"*"}}
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.Publish(context.Background(), events.New(events.RequestCreated, lab, "LAB01", "request", "r", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow client")
	}
	if len(c.Send) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(c.Send))
	}
}

func TestHandler_StreamsTenantEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	lab := uuid.New()

	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, []string{auth.RoleTechnician})
			scope, _ := tenant.NewScope(lab, "LAB01", "tech-1")
			c.SetRequest(c.Request().WithContext(tenant.WithScope(ctx, scope)))
			return next(c)
		}
	})
	NewHandler(hub).RegisterRoutes(g)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live?events=assignment.*"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TenantCount(lab) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Publish(context.Background(), events.New(events.RequestCreated, lab, "LAB01", "request", "r1", nil))
	_ = hub.Publish(context.Background(), events.New(events.AssignmentVerified, lab, "LAB01", "assignment", "a1", nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != events.AssignmentVerified || ev.EntityID != "a1" {
		t.Fatalf("expected the assignment event only, got %+v", ev)
	}
}
