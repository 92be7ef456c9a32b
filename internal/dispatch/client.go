package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// Sentinel errors for coordinator client failures.
var (
	ErrUnauthorized           = errors.New("coordinator rejected token")
	ErrCoordinatorUnavailable = errors.New("coordinator unavailable")
	ErrUnexpectedResponse     = errors.New("coordinator returned unexpected response")
)

// HTTPClient is the worker's view of the dispatch endpoints.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client for the coordinator at baseURL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Claim asks for a batch of work.
func (c *HTTPClient) Claim(ctx context.Context) (models.ClaimResponse, error) {
	var out models.ClaimResponse
	resp, err := c.post(ctx, "/api/v1/tasks/claim", models.ClaimRequest{Token: c.token})
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, statusError(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: decoding claim response: %v", ErrUnexpectedResponse, err)
	}
	if out.Result != len(out.Data) {
		return out, fmt.Errorf("%w: result %d does not match %d tasks", ErrUnexpectedResponse, out.Result, len(out.Data))
	}
	return out, nil
}

// Report sends batch outcomes.
func (c *HTTPClient) Report(ctx context.Context, results []models.Result) error {
	resp, err := c.post(ctx, "/api/v1/tasks/report", models.ReportRequest{
		Token:  c.token,
		Result: len(results),
		Data:   results,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, code)
	case code >= 500 || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrCoordinatorUnavailable, code)
	default:
		return fmt.Errorf("%w: status %d", ErrUnexpectedResponse, code)
	}
}

// classifyError maps transport failures to ErrCoordinatorUnavailable. A
// cancelled context is returned as is so callers can stop.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrCoordinatorUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrCoordinatorUnavailable, err)
}
