package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, reconnectDelay(tc.attempts), "attempts=%d", tc.attempts)
	}
}
