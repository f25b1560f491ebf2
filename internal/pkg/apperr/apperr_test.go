package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidation_IsErrValidation(t *testing.T) {
	err := fmt.Errorf("parse: %w", Validation("page_size must be between 1 and %d", 100))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "page_size must be between 1 and 100")

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))

	err := Transient(errors.New("connection reset"))
	assert.True(t, IsRetryable(err))
	assert.Same(t, err, Transient(err))
	assert.False(t, IsRetryable(NotFound("donor")))
}
