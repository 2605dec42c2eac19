package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSchedule(t *testing.T) {
	tests := []struct {
		attempts int
		delay    time.Duration
		ok       bool
	}{
		{1, 500 * time.Millisecond, true},
		{2, time.Second, true},
		{3, 2 * time.Second, true},
		{5, 8 * time.Second, true},
		{6, 0, false},
	}
	for _, tt := range tests {
		delay, ok := DefaultSchedule(tt.attempts)
		assert.Equal(t, tt.ok, ok, "attempts=%d", tt.attempts)
		assert.Equal(t, tt.delay, delay, "attempts=%d", tt.attempts)
	}
}

func TestFixedSchedule(t *testing.T) {
	s := FixedSchedule(100*time.Millisecond, 300*time.Millisecond)

	d, ok := s(2)
	assert.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, d)

	_, ok = s(3)
	assert.False(t, ok)
}
