package api_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/genqueue/internal/api"
	"github.com/kiranshivaraju/genqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/genqueue/internal/api/middleware"
	"github.com/kiranshivaraju/genqueue/internal/artifact"
	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/internal/dispatch"
	"github.com/kiranshivaraju/genqueue/internal/gateway"
	"github.com/kiranshivaraju/genqueue/internal/inference"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/internal/store"
	"github.com/kiranshivaraju/genqueue/internal/worker"
	"github.com/kiranshivaraju/genqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const workerToken = "worker-token"

var contractImage = config.ImageConfig{Count: 3, Width: 4, Height: 4}

type coordinator struct {
	srv   *httptest.Server
	store *store.MemoryStore
	files *artifact.FileStore
}

// newCoordinator wires the full server stack on a memory store.
func newCoordinator(t *testing.T) coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	st := store.NewMemoryStore()
	files, err := artifact.NewFileStore(t.TempDir(), contractImage)
	require.NoError(t, err)

	gw := gateway.NewService(st, files, cache.Noop{}, config.GatewayConfig{MaxTextLength: 100}, m, logger)
	ds := dispatch.NewService(st, files, cache.Noop{}, 3, 5*time.Second, m, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(workerToken), bcrypt.MinCost)
	require.NoError(t, err)

	router := api.NewRouter(api.Dependencies{
		Auth:           mw.NewTokenAuth(string(hash), 8<<20),
		RateLimit:      mw.NewRateLimit(cache.Noop{}, "submit", 60),
		Metrics:        m,
		HealthHandler:  handler.NewHealthHandler(st, cache.Noop{}),
		SubmitHandler:  handler.NewSubmitHandler(gw),
		PollHandler:    handler.NewPollHandler(gw),
		ImageHandler:   handler.NewImageHandler(gw, files),
		ArchiveHandler: handler.NewArchiveHandler(gw, files),
		ClaimHandler:   handler.NewClaimHandler(ds),
		ReportHandler:  handler.NewReportHandler(ds),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return coordinator{srv: srv, store: st, files: files}
}

func (c coordinator) client(token string) *dispatch.HTTPClient {
	return dispatch.NewHTTPClient(c.srv.URL, token, 5*time.Second)
}

func (c coordinator) submit(t *testing.T, id, text string) int {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"id": id, "text": text})
	resp, err := http.Post(c.srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

type polled struct {
	Status         int  `json:"status"`
	ArtifactsReady bool `json:"artifacts_ready"`
}

func (c coordinator) poll(t *testing.T, id string) polled {
	t.Helper()
	resp, err := http.Get(c.srv.URL + "/api/v1/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data polled `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Data
}

func (c coordinator) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(c.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func images() map[string]models.Pixels {
	out := map[string]models.Pixels{}
	for i, key := range []string{"0", "1", "2"} {
		out[key] = bytes.Repeat([]byte{byte(40 * (i + 1))}, contractImage.Bytes())
	}
	return out
}

func TestContract_SubmitClaimReportDownload(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	client := c.client(workerToken)

	require.Equal(t, http.StatusAccepted, c.submit(t, "A", "hello"))
	assert.Equal(t, polled{Status: 1}, c.poll(t, "A"))

	batch, err := client.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Task{{ID: "A", Text: "hello"}}, batch.Data)
	assert.Equal(t, polled{Status: 2}, c.poll(t, "A"))

	resp, _ := c.get(t, "/api/v1/jobs/A/archive")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no download before Done")

	require.NoError(t, client.Report(ctx, []models.Result{{ID: "A", Images: images()}}))
	assert.Equal(t, polled{Status: 3, ArtifactsReady: true}, c.poll(t, "A"))
	for i := 0; i < 3; i++ {
		assert.FileExists(t, filepath.Join(c.files.Root(), "A", artifact.ImageName(i)))
	}

	resp, data := c.get(t, "/api/v1/jobs/A/images/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, contractImage.Width, img.Bounds().Dx())
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(80), r>>8)

	resp, data = c.get(t, "/api/v1/jobs/A/archive")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"img_0.png", "img_1.png", "img_2.png", "text.txt"}, names)
}

func TestContract_DuplicateReportIsNoop(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	client := c.client(workerToken)

	require.Equal(t, http.StatusAccepted, c.submit(t, "A", "hello"))
	_, err := client.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Report(ctx, []models.Result{models.FailedResult("A", "boom")}))
	require.NoError(t, client.Report(ctx, []models.Result{{ID: "A", Images: images()}}))

	assert.Equal(t, polled{Status: 4}, c.poll(t, "A"))
	assert.NoFileExists(t, filepath.Join(c.files.Root(), "A", artifact.ImageName(0)))
}

func TestContract_SubmitRules(t *testing.T) {
	c := newCoordinator(t)

	assert.Equal(t, http.StatusAccepted, c.submit(t, "A", strings.Repeat("a", 100)))
	assert.Equal(t, http.StatusConflict, c.submit(t, "A", "again"))
	assert.Equal(t, http.StatusBadRequest, c.submit(t, "B", strings.Repeat("a", 101)))
	assert.Equal(t, polled{Status: 0}, c.poll(t, "B"))
}

func TestContract_EmptyClaimCarriesRetryHint(t *testing.T) {
	c := newCoordinator(t)

	batch, err := c.client(workerToken).Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Result)
	assert.Equal(t, 5, batch.RetryAfterSeconds)
}

func TestContract_WrongTokenTouchesNothing(t *testing.T) {
	c := newCoordinator(t)
	require.Equal(t, http.StatusAccepted, c.submit(t, "A", "hello"))

	_, err := c.client("guess").Claim(context.Background())
	assert.ErrorIs(t, err, dispatch.ErrUnauthorized)
	assert.Equal(t, polled{Status: 1}, c.poll(t, "A"))
}

func TestContract_WorkerOverHTTP(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	require.Equal(t, http.StatusAccepted, c.submit(t, "A", "hello"))
	require.Equal(t, http.StatusAccepted, c.submit(t, "B", "world"))

	policies := worker.Policies{
		Claim:     worker.RetryPolicy{},
		Inference: worker.RetryPolicy{Attempts: 1},
		Report:    worker.RetryPolicy{Attempts: 1},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := worker.New(c.client(workerToken), inference.NewSynthetic(contractImage), policies, metrics.New(), logger)

	n, err := w.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"A", "B"} {
		assert.Equal(t, polled{Status: 3, ArtifactsReady: true}, c.poll(t, id), id)
	}
}

func TestContract_Health(t *testing.T) {
	c := newCoordinator(t)
	resp, _ := c.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
