package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 600 * time.Second},
		{12, 600 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Backoff(c.attempts), "attempts=%d", c.attempts)
	}
}

func TestBackoffNeverNegative(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(-3))
}
