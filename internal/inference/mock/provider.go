package mock

import (
	"bytes"
	"context"
	"strconv"
	"sync"

	"github.com/kiranshivaraju/genqueue/internal/inference"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// MockProvider satisfies models.InferenceProvider for testing.
type MockProvider struct {
	Name_        string
	GenerateFunc func(ctx context.Context, tasks []models.Task) ([]models.Result, error)

	mu    sync.Mutex
	calls int
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Generate(ctx context.Context, tasks []models.Task) ([]models.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, tasks)
	}
	return []models.Result{}, nil
}

// Calls returns how many times Generate was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// NewMockProvider returns a MockProvider that answers every task with count
// solid images of size bytes each.
func NewMockProvider(count, size int) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, tasks []models.Task) ([]models.Result, error) {
			out := make([]models.Result, 0, len(tasks))
			for _, task := range tasks {
				images := make(map[string]models.Pixels, count)
				for i := 0; i < count; i++ {
					images[strconv.Itoa(i)] = bytes.Repeat([]byte{byte(i)}, size)
				}
				out = append(out, models.Result{ID: task.ID, Images: images})
			}
			return out, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ []models.Task) ([]models.Result, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		GenerateFunc: func(ctx context.Context, _ []models.Task) ([]models.Result, error) {
			<-ctx.Done()
			return nil, inference.ErrTimeout
		},
	}
}

// Compile-time check that MockProvider implements InferenceProvider.
var _ models.InferenceProvider = (*MockProvider)(nil)
