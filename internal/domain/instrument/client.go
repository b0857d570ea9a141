// Package instrument manages laboratory equipment: routing assignments to
// analysers, dispatching work over their REST API, polling and receiving
// results, and retrying or flagging work that stalls.
package instrument

//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks Client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lims/lims/internal/lims"
)

// QueueRequest is the work order sent to an analyser.
type QueueRequest struct {
	SubOrderID   string        `json:"sub_order_id"`
	Barcode      string        `json:"sample_barcode"`
	TestCode     string        `json:"test_code"`
	SpecimenType string        `json:"specimen_type"`
	Priority     lims.Priority `json:"priority"`
	PatientID    string        `json:"patient_id"`
}

type QueueResponse struct {
	JobID         string `json:"instrument_job_id"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
}

// RemoteResult is an analyser's answer for one job. Value is only
// meaningful once Status is "completed".
type RemoteResult struct {
	JobID       string     `json:"instrument_job_id"`
	Status      string     `json:"status"`
	Barcode     string     `json:"sample_barcode"`
	TestCode    string     `json:"test_code"`
	SubOrderID  string     `json:"sub_order_id"`
	Value       string     `json:"value"`
	Unit        string     `json:"unit"`
	QCStatus    string     `json:"quality_control_status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r *RemoteResult) Completed() bool { return r.Status == "completed" }

type Status struct {
	Status          string     `json:"status"`
	QueueLength     int        `json:"queue_length"`
	LastCalibration *time.Time `json:"last_calibration,omitempty"`
	Message         string     `json:"message,omitempty"`
}

func (s Status) Online() bool { return s.Status == "online" || s.Status == "ready" }

// CallError is a failed call with the HTTP status, when one was received.
type CallError struct {
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("instrument returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one analyser.
type Client interface {
	Queue(ctx context.Context, req QueueRequest) (*QueueResponse, error)
	FetchResult(ctx context.Context, jobID string) (*RemoteResult, error)
	Status(ctx context.Context) (*Status, error)
}

// ClientFactory builds the client for a piece of equipment.
type ClientFactory func(e *lims.Equipment) Client

type restClient struct {
	http *resty.Client
}

// NewRESTClient speaks the analyser REST protocol: POST /api/queue,
// GET /api/results/{job}, GET /api/status.
func NewRESTClient(e *lims.Equipment, timeout time.Duration) Client {
	c := resty.New().
		SetBaseURL(e.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if e.APIKey != "" {
		c.SetAuthToken(e.APIKey)
	}
	return &restClient{http: c}
}

// RESTClientFactory returns a factory for NewRESTClient with a fixed
// timeout.
func RESTClientFactory(timeout time.Duration) ClientFactory {
	return func(e *lims.Equipment) Client { return NewRESTClient(e, timeout) }
}

func callError(resp *resty.Response, err error) error {
	if err != nil {
		return &CallError{Message: err.Error()}
	}
	if resp.IsError() {
		return &CallError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

func (c *restClient) Queue(ctx context.Context, req QueueRequest) (*QueueResponse, error) {
	var out QueueResponse
	resp, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/api/queue")
	if err := callError(resp, err); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, &CallError{StatusCode: resp.StatusCode(), Message: "response has no instrument_job_id"}
	}
	return &out, nil
}

func (c *restClient) FetchResult(ctx context.Context, jobID string) (*RemoteResult, error) {
	var out RemoteResult
	resp, err := c.http.R().SetContext(ctx).SetPathParam("job", jobID).SetResult(&out).Get("/api/results/{job}")
	if err := callError(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *restClient) Status(ctx context.Context) (*Status, error) {
	var out Status
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/api/status")
	if err := callError(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}
