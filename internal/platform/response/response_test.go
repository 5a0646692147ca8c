package response

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, (&APIError{StatusCode: http.StatusBadRequest, Code: "BAD_REQUEST", Message: "invalid parameter limit"}).
		WithDetails("limit", "must be positive"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":false,"error":{"code":"BAD_REQUEST","message":"invalid parameter limit","details":{"limit":"must be positive"}}}`, rec.Body.String())
}

func TestErrorWithMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorWithMessage(rec, http.StatusNotFound, ErrNotFound.Code, "archive: unknown index")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":{"code":"NOT_FOUND","message":"archive: unknown index"}}`, rec.Body.String())
}
