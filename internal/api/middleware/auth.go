package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kiranshivaraju/genqueue/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// TokenAuth checks the shared worker token carried in the JSON body.
type TokenAuth struct {
	hash    []byte
	maxBody int64
}

// HashToken returns the bcrypt hash stored for a plain token.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// NewTokenAuth creates a TokenAuth for a bcrypt hash. Bodies larger than
// maxBody are rejected.
func NewTokenAuth(hash string, maxBody int64) *TokenAuth {
	return &TokenAuth{hash: []byte(hash), maxBody: maxBody}
}

// Authenticate reads the body, verifies its "token" field and restores the
// body for the next handler. Nothing downstream runs on a mismatch.
func (a *TokenAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge,
					response.CodePayloadTooLarge, "Request body too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Unreadable request body", nil)
			return
		}

		var envelope struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		if envelope.Token == "" {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing token", nil)
			return
		}
		if bcrypt.CompareHashAndPassword(a.hash, []byte(envelope.Token)) != nil {
			LoggerFrom(r).Warn("worker token rejected", "remote_addr", r.RemoteAddr)
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Invalid token", nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}
