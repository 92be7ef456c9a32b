package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/genqueue/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]any{"id": "A", "status": 1})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "A", data["id"])
	assert.Equal(t, float64(1), data["status"])
}

func TestAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	response.Accepted(w, map[string]string{"id": "A"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "A", data["id"])
}

func TestAck(t *testing.T) {
	w := httptest.NewRecorder()
	response.Ack(w)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestRaw_NoEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	response.Raw(w, http.StatusCreated, struct{}{})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusConflict, response.CodeAlreadyPending, "Job is already pending", map[string]string{"id": "A"})

	assert.Equal(t, http.StatusConflict, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "ALREADY_PENDING", errObj["code"])
	assert.Equal(t, "Job is already pending", errObj["message"])
	assert.NotNil(t, errObj["details"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Not found", nil)

	errObj := decode(t, w)["error"].(map[string]any)
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}

func TestInternal_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	response.Internal(w)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, string(response.CodeInternal), errObj["code"])
	assert.Equal(t, "An unexpected error occurred", errObj["message"])
}
