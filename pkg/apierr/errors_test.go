package apierr_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/loadoor/pkg/apierr"
)

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("creating job: %w", apierr.NewValidationError("cron_expression", "invalid"))

	assert.ErrorIs(t, err, apierr.ErrValidation)
	assert.NotErrorIs(t, err, apierr.ErrDecode)
	assert.Equal(t, "creating job: cron_expression: invalid", err.Error())

	var verr *apierr.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "cron_expression", verr.Field)
}

func TestDecodeError(t *testing.T) {
	var syntaxErr *json.SyntaxError

	inner := json.Unmarshal([]byte("{"), &struct{}{})
	err := &apierr.DecodeError{Payload: "stats", Err: inner}

	assert.ErrorIs(t, err, apierr.ErrDecode)
	assert.ErrorAs(t, err, &syntaxErr)
	assert.Contains(t, err.Error(), "decoding stats payload")
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{apierr.ErrRunNotFound, true},
		{fmt.Errorf("wrapped: %w", apierr.ErrJobNotFound), true},
		{apierr.ErrReportNotFound, true},
		{apierr.ErrStorageUnavailable, false},
		{apierr.NewValidationError("x", "y"), false},
		{nil, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, apierr.IsNotFound(tt.err), "%v", tt.err)
	}
}
