package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"groupchat/internal/errs"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		code    string
		message string
	}{
		{fmt.Errorf("%w: bad token", errs.ErrAuthRejected), http.StatusUnauthorized, errs.ReasonInvalidCredential, ""},
		{&errs.SuspendedError{Reason: "spam"}, http.StatusForbidden, errs.ReasonSuspended, ""},
		{fmt.Errorf("room 3: %w", errs.ErrNotFound), http.StatusNotFound, errs.ReasonNotFound, ""},
		{errs.ErrForbidden, http.StatusForbidden, errs.ReasonForbidden, ""},
		{errors.New("pool exhausted"), http.StatusInternalServerError, errs.ReasonInternal, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			FromError(w, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, body.Error)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	type req struct {
		Email string `validate:"required,email"`
		Name  string `validate:"min=3"`
	}
	err := validator.New().Struct(req{Email: "nope", Name: "ab"})
	require.Error(t, err)

	w := httptest.NewRecorder()
	ValidationError(w, err)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body ValidationErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "Must be a valid email address", body.Fields["email"])
	assert.Equal(t, "Minimum length is 3", body.Fields["name"])
}
