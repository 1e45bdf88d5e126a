package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "Invalid configuration", f.New(errors.ErrInvalidConfig).Error())
	assert.Equal(t, "Failed to read configuration: boom",
		f.Wrap(errors.ErrReadConfig, fmt.Errorf("boom")).Error())
	assert.Equal(t, "custom", f.WithMessage(errors.ErrInvalidArgument, "custom").Error())
	assert.Equal(t, "Invalid argument provided: 42", f.WithData(errors.ErrInvalidArgument, 42).Error())
	assert.Equal(t, "unknown_code", f.New(errors.ErrorCode("unknown_code")).Error())
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrNotSupported)
	outer := f.Wrap(errors.ErrApplyConfig, fmt.Errorf("gpu 0: %w", inner))

	assert.True(t, errors.HasCode(outer, errors.ErrApplyConfig))
	assert.True(t, errors.HasCode(outer, errors.ErrNotSupported))
	assert.False(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(fmt.Errorf("plain"), errors.ErrInternal))
}

func TestCodeOf(t *testing.T) {
	f := errors.New()

	assert.Equal(t, errors.ErrTimeout, errors.CodeOf(fmt.Errorf("ctx: %w", f.New(errors.ErrTimeout))))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(fmt.Errorf("plain")))
}

func TestHasCodeJoined(t *testing.T) {
	f := errors.New()
	joined := errors.Join(
		fmt.Errorf("gpu 0: %w", f.New(errors.ErrTimeout)),
		fmt.Errorf("gpu 1: %w", f.New(errors.ErrNotSupported)),
	)
	outer := f.Wrap(errors.ErrApplyConfig, joined)

	assert.True(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.True(t, errors.HasCode(outer, errors.ErrNotSupported))
	assert.False(t, errors.HasCode(outer, errors.ErrInvalidConfig))
}
