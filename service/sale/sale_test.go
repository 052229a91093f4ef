package sale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountdown(t *testing.T) {
	deadline := time.Date(2025, 4, 18, 16, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want TimeLeft
	}{
		{
			name: "far out",
			now:  deadline.Add(-(10*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second)),
			want: TimeLeft{Days: 10, Hours: 3, Minutes: 4, Seconds: 5},
		},
		{
			name: "urgent at five days",
			now:  deadline.Add(-(5*24*time.Hour + time.Second)),
			want: TimeLeft{Days: 5, Seconds: 1, IsUrgent: true},
		},
		{
			name: "sub-second remainder is truncated",
			now:  deadline.Add(-1500 * time.Millisecond),
			want: TimeLeft{Seconds: 1, IsUrgent: true},
		},
		{
			name: "exactly at deadline",
			now:  deadline,
			want: TimeLeft{Ended: true},
		},
		{
			name: "past deadline",
			now:  deadline.Add(time.Hour),
			want: TimeLeft{Ended: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Countdown(tt.now, deadline))
		})
	}
}

func TestProgress(t *testing.T) {
	assert.InDelta(t, 80.8298, Progress(9585095, 50000000), 0.0001)
	assert.Equal(t, 0.0, Progress(50000000, 50000000))
	assert.Equal(t, 100.0, Progress(0, 50000000))
	assert.Equal(t, 0.0, Progress(60000000, 50000000), "clamped below")
	assert.Equal(t, 100.0, Progress(-5, 50000000), "clamped above")
	assert.Equal(t, 0.0, Progress(10, 0))
}
