// Package sale computes the presale countdown and progress shown to buyers.
package sale

import (
	"time"
)

// UrgentDays is the threshold at or below which the countdown is flagged urgent.
const UrgentDays = 5

// TimeLeft is the remaining time until the sale deadline.
type TimeLeft struct {
	Days     int64 `json:"days"`
	Hours    int64 `json:"hours"`
	Minutes  int64 `json:"minutes"`
	Seconds  int64 `json:"seconds"`
	IsUrgent bool  `json:"isUrgent"`
	Ended    bool  `json:"ended"`
}

// Countdown breaks the time from now until deadline into whole units.
// Once the deadline has passed every unit is zero.
func Countdown(now, deadline time.Time) TimeLeft {
	d := deadline.Sub(now)
	if d <= 0 {
		return TimeLeft{Ended: true}
	}

	total := int64(d / time.Second)
	tl := TimeLeft{
		Days:    total / 86400,
		Hours:   total % 86400 / 3600,
		Minutes: total % 3600 / 60,
		Seconds: total % 60,
	}
	tl.IsUrgent = tl.Days <= UrgentDays
	return tl
}

// Progress returns the percentage of totalForSale already sold, in [0, 100].
func Progress(remaining, totalForSale int64) float64 {
	if totalForSale <= 0 {
		return 0
	}
	pct := float64(totalForSale-remaining) / float64(totalForSale) * 100
	return min(max(pct, 0), 100)
}
