package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// KFServingClient calls a model served behind the KFServing V1 predict protocol.
type KFServingClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewKFServingClient creates a client for {baseURL}/v1/models/{model}:predict.
func NewKFServingClient(baseURL, model string, timeout time.Duration) *KFServingClient {
	return &KFServingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *KFServingClient) Name() string { return "kfserving" }

type predictRequest struct {
	Result int           `json:"result"`
	Data   []models.Task `json:"data"`
}

type predictResponse struct {
	Result int             `json:"result"`
	Data   []models.Result `json:"data"`
}

func (c *KFServingClient) Generate(ctx context.Context, tasks []models.Task) ([]models.Result, error) {
	body, err := json.Marshal(predictRequest{Result: len(tasks), Data: tasks})
	if err != nil {
		return nil, fmt.Errorf("encoding predict request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/models/%s:predict", c.baseURL, url.PathEscape(c.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: decoding predict response: %v", ErrInvalidResponse, err)
	}
	if out.Data == nil {
		out.Data = []models.Result{}
	}
	return out.Data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}

// Compile-time check that KFServingClient implements InferenceProvider.
var _ models.InferenceProvider = (*KFServingClient)(nil)
