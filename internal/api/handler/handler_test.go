package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/genqueue/internal/api/handler"
	"github.com/kiranshivaraju/genqueue/internal/dispatch"
	"github.com/kiranshivaraju/genqueue/internal/gateway"
	"github.com/kiranshivaraju/genqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeGateway struct {
	submitID  string
	submitErr error
	poll      gateway.PollResult
	pollErr   error
	gotID     string
	gotText   string
}

func (f *fakeGateway) Submit(_ context.Context, id, text string) (string, error) {
	f.gotID, f.gotText = id, text
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.submitID != "" {
		return f.submitID, nil
	}
	return id, nil
}

func (f *fakeGateway) Poll(_ context.Context, id string) (gateway.PollResult, error) {
	f.gotID = id
	return f.poll, f.pollErr
}

func (f *fakeGateway) CheckDownload(context.Context, string) error {
	return gateway.ErrNotReady
}

type fakeDispatcher struct {
	claim     models.ClaimResponse
	claimErr  error
	reported  []models.Result
	reportErr error
}

func (f *fakeDispatcher) Claim(context.Context) (models.ClaimResponse, error) {
	return f.claim, f.claimErr
}

func (f *fakeDispatcher) Report(_ context.Context, results []models.Result) (dispatch.ReportSummary, error) {
	f.reported = results
	return dispatch.ReportSummary{Done: len(results)}, f.reportErr
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]["code"].(string)
}

func serve(h http.HandlerFunc, method, pattern, target, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, strings.NewReader(body)))
	return w
}

// ─── submit ──────────────────────────────────────────────────────────────────

func TestSubmitHandler_Accepted(t *testing.T) {
	gw := &fakeGateway{}
	w := serve(handler.NewSubmitHandler(gw), http.MethodPost, "/api/v1/jobs", "/api/v1/jobs", `{"id":"A","text":"hello"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "A", gw.gotID)
	assert.Equal(t, "hello", gw.gotText)
	assert.JSONEq(t, `{"data":{"id":"A","status":1,"status_name":"queued","artifacts_ready":false}}`, w.Body.String())
}

func TestSubmitHandler_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
		want string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad id", `{"id":"../x","text":"t"}`, gateway.ErrInvalidID, http.StatusBadRequest, "INVALID_ID"},
		{"too long", `{"text":"t"}`, gateway.ErrTextTooLong, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"empty", `{"text":""}`, gateway.ErrEmptyText, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"pending", `{"id":"A","text":"t"}`, gateway.ErrAlreadyPending, http.StatusConflict, "ALREADY_PENDING"},
		{"store down", `{"id":"A","text":"t"}`, errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{submitErr: tc.err}
			w := serve(handler.NewSubmitHandler(gw), http.MethodPost, "/api/v1/jobs", "/api/v1/jobs", tc.body)
			assert.Equal(t, tc.code, w.Code)
			assert.Equal(t, tc.want, errCode(t, w))
		})
	}
}

// ─── poll ────────────────────────────────────────────────────────────────────

func TestPollHandler(t *testing.T) {
	gw := &fakeGateway{poll: gateway.PollResult{ID: "A", Status: models.StatusDone, ArtifactsReady: true}}
	w := serve(handler.NewPollHandler(gw), http.MethodGet, "/api/v1/jobs/{id}", "/api/v1/jobs/A", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "A", gw.gotID)
	assert.JSONEq(t, `{"data":{"id":"A","status":3,"status_name":"done","artifacts_ready":true}}`, w.Body.String())
}

func TestPollHandler_Unknown(t *testing.T) {
	gw := &fakeGateway{poll: gateway.PollResult{ID: "nobody", Status: models.StatusNone}}
	w := serve(handler.NewPollHandler(gw), http.MethodGet, "/api/v1/jobs/{id}", "/api/v1/jobs/nobody", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"id":"nobody","status":0,"status_name":"none","artifacts_ready":false}}`, w.Body.String())
}

// ─── claim / report ──────────────────────────────────────────────────────────

func TestClaimHandler_Empty(t *testing.T) {
	d := &fakeDispatcher{claim: models.ClaimResponse{Result: 0, RetryAfterSeconds: 5}}
	w := serve(handler.NewClaimHandler(d), http.MethodPost, "/claim", "/claim", `{"token":"t"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":0,"retry_after_seconds":5}`, w.Body.String())
}

func TestClaimHandler_Batch(t *testing.T) {
	d := &fakeDispatcher{claim: models.ClaimResponse{Result: 1, Data: []models.Task{{ID: "A", Text: "hello"}}}}
	w := serve(handler.NewClaimHandler(d), http.MethodPost, "/claim", "/claim", `{"token":"t"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":1,"data":[{"id":"A","text":"hello"}]}`, w.Body.String())
}

func TestClaimHandler_StoreDown(t *testing.T) {
	d := &fakeDispatcher{claimErr: errors.New("conn refused")}
	w := serve(handler.NewClaimHandler(d), http.MethodPost, "/claim", "/claim", `{"token":"t"}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "UNAVAILABLE", errCode(t, w))
}

func TestReportHandler_ZeroResultIsNoop(t *testing.T) {
	d := &fakeDispatcher{}
	w := serve(handler.NewReportHandler(d), http.MethodPost, "/report", "/report", `{"token":"t","result":0}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Nil(t, d.reported)
}

func TestReportHandler_Applies(t *testing.T) {
	d := &fakeDispatcher{}
	body := `{"token":"t","result":1,"data":[{"id":"A","error":"Can't get results from model"}]}`
	w := serve(handler.NewReportHandler(d), http.MethodPost, "/report", "/report", body)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
	require.Len(t, d.reported, 1)
	assert.True(t, d.reported[0].HasError())
}

func TestReportHandler_Errors(t *testing.T) {
	w := serve(handler.NewReportHandler(&fakeDispatcher{}), http.MethodPost, "/report", "/report",
		`{"token":"t","result":1,"data":[{"id":"A","images":{"0":[300]}}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	d := &fakeDispatcher{reportErr: errors.New("db down")}
	w = serve(handler.NewReportHandler(d), http.MethodPost, "/report", "/report",
		`{"token":"t","result":1,"data":[{"id":"A","error":"x"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ─── health ──────────────────────────────────────────────────────────────────

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	w := serve(handler.NewHealthHandler(pinger{}, pinger{}), http.MethodGet, "/h", "/h", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(handler.NewHealthHandler(pinger{}, pinger{err: errors.New("down")}), http.MethodGet, "/h", "/h", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DEGRADED", errCode(t, w))
}
