package recognition

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carspot-service/internal/backend"
	"carspot-service/internal/domain/car"
	"carspot-service/internal/metrics"
)

type State string

const (
	Idle       State = "idle"
	Submitting State = "submitting"
	Succeeded  State = "succeeded"
	Failed     State = "failed"
)

const maxPredictBytes = 1 << 20

// Snapshot is a read-only view of the client state for rendering.
type Snapshot struct {
	State      State                  `json:"state"`
	Submission uint64                 `json:"submission"`
	PayloadID  string                 `json:"payload_id,omitempty"`
	Result     *car.RecognitionResult `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Client submits images to the classifier. Submissions are numbered; only the
// newest one may change what is displayed, late responses are dropped.
type Client struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu        sync.Mutex
	seq       uint64
	state     State
	payloadID string
	result    *car.RecognitionResult
	failure   error
}

func NewClient(url string, httpClient *http.Client, m *metrics.Metrics, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Client{
		url:        url,
		httpClient: httpClient,
		log:        log.With().Str("component", "recognition").Logger(),
		metrics:    m,
		now:        time.Now,
		state:      Idle,
	}
}

// Submit sends payload to the classifier and blocks until it resolves. It
// returns car.ErrSuperseded when a newer submission or reset started first.
// Failures are not retried.
func (c *Client) Submit(ctx context.Context, payload *car.ImagePayload) (*car.RecognitionResult, error) {
	if payload == nil || len(payload.Data) == 0 {
		return nil, &car.Rejection{Reason: car.NoFileSelected}
	}

	c.mu.Lock()
	c.seq++
	submission := c.seq
	c.state = Submitting
	c.payloadID = payload.ID
	c.result = nil
	c.failure = nil
	c.mu.Unlock()

	c.log.Info().Uint64("submission", submission).Str("payload_id", payload.ID).Msg("recognition submitted")

	result, err := c.predict(ctx, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if submission != c.seq {
		c.metrics.Recognitions.WithLabelValues("superseded").Inc()
		c.log.Warn().
			Uint64("submission", submission).
			Uint64("current", c.seq).
			Msg("discarding late recognition response")
		return nil, fmt.Errorf("%w: submission %d, current %d", car.ErrSuperseded, submission, c.seq)
	}

	if err != nil {
		c.state = Failed
		c.failure = err
		c.metrics.Recognitions.WithLabelValues("failed").Inc()
		c.log.Error().Err(err).Uint64("submission", submission).Msg("recognition failed")
		return nil, err
	}

	result.Submission = submission
	result.ReceivedAt = c.now()
	c.state = Succeeded
	c.result = result
	c.metrics.Recognitions.WithLabelValues("succeeded").Inc()
	c.log.Info().
		Uint64("submission", submission).
		Str("make", result.Make).
		Str("model", result.Model).
		Str("year", result.Year).
		Bool("no_vehicle", result.NoVehicle()).
		Msg("recognition succeeded")
	return result, nil
}

func (c *Client) predict(ctx context.Context, payload *car.ImagePayload) (*car.RecognitionResult, error) {
	body, contentType, err := backend.MultipartImage(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build predict request: %v", car.ErrTransport, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: predict: %v", car.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPredictBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading predict response: %v", car.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: predict returned status %d", car.ErrTransport, resp.StatusCode)
	}

	result, err := parsePrediction(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", car.ErrTransport, err)
	}
	return &result, nil
}

// Reset returns to Idle and hides any result. An in-flight submission is
// superseded; its response will be discarded when it arrives.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Submitting {
		c.seq++
	}
	c.state = Idle
	c.payloadID = ""
	c.result = nil
	c.failure = nil
}

// Snapshot returns the current state for display.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:      c.state,
		Submission: c.seq,
		PayloadID:  c.payloadID,
		Result:     c.result,
	}
	if c.failure != nil {
		snap.Error = c.failure.Error()
	}
	return snap
}

// LastResult returns the result currently displayed, or nil.
func (c *Client) LastResult() *car.RecognitionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}
