package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperr"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "analyser-7")
	rec := httptest.NewRecorder()

	h := RequestID()(func(c echo.Context) error { return nil })
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "analyser-7" {
		t.Errorf("expected analyser-7, got %s", got)
	}
}

func TestLogger_LogsStatusOfDomainError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments/x/verify", nil)
	rec := httptest.NewRecorder()

	h := Logger(logger)(func(c echo.Context) error {
		return apperr.InvalidState("not analysed")
	})
	if err := h(e.NewContext(req, rec)); err == nil {
		t.Fatal("expected the error to pass through")
	}
	line := buf.String()
	if !strings.Contains(line, `"status":409`) || !strings.Contains(line, `"level":"warn"`) {
		t.Errorf("unexpected log line %s", line)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic("test panic")
	})
	err := h(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", apperr.Validation("offering disabled"), http.StatusUnprocessableEntity, "ValidationError"},
		{"not found", apperr.NotFound("request", "ORD-LAB01-000009"), http.StatusNotFound, "NotFound"},
		{"transition", &apperr.TransitionError{Entity: "assignment", ID: "a", Current: "pending", Event: "verify"}, http.StatusConflict, "InvalidTransition"},
		{"raced", &apperr.TransitionError{Entity: "assignment", ID: "a", Current: "queued", Event: "complete", Raced: true}, http.StatusConflict, "ConcurrencyConflict"},
		{"ambiguous", apperr.New(apperr.KindAmbiguous, "two GLU assignments"), http.StatusConflict, "AmbiguousResult"},
		{"audit", apperr.New(apperr.KindAuditWrite, "disk full"), http.StatusInternalServerError, "AuditWriteFailure"},
		{"echo", echo.NewHTTPError(http.StatusUnauthorized, "missing token"), http.StatusUnauthorized, "Unauthorized"},
		{"unknown", errors.New("pq: connection reset"), http.StatusInternalServerError, "InternalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			ErrorHandler(zerolog.Nop())(tt.err, e.NewContext(req, rec))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var body apperr.Body
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tt.kind {
				t.Errorf("error = %q, want %q", body.Error, tt.kind)
			}
			if tt.kind == "InternalError" && strings.Contains(body.Message, "pq") {
				t.Error("internal error details leaked")
			}
		})
	}
}
