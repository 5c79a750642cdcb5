// internal/ratelimit/ratelimit_test.go
package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/libranexus/circulation/internal/apperr"
)

func TestLimiterIsPerKey(t *testing.T) {
	l := New(time.Hour, 2, 16, time.Hour)

	assert.True(t, l.Allow("T1"))
	assert.True(t, l.Allow("T1"))
	assert.False(t, l.Allow("T1"))
	assert.True(t, l.Allow("T2"))
}

func TestCheckReportsRateLimited(t *testing.T) {
	l := New(time.Hour, 1, 16, time.Hour)

	assert.NoError(t, l.Check("T1"))
	err := l.Check("T1")
	assert.True(t, errors.Is(err, apperr.ErrRateLimited))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	var nilLimiter *Limiter
	off := New(0, 1, 16, time.Hour)

	for i := 0; i < 100; i++ {
		assert.True(t, off.Allow("T1"))
		assert.True(t, nilLimiter.Allow("T1"))
	}
}
