package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodKey(t *testing.T) {
	anchor := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		now    time.Time
		anchor *time.Time
		want   string
	}{
		{name: "calendar", now: time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), want: "2026-02"},
		{name: "calendar converts to utc", now: time.Date(2026, 3, 1, 1, 0, 0, 0, time.FixedZone("x", 2*3600)), want: "2026-02"},
		{name: "anchored same day", now: anchor, anchor: &anchor, want: "2026-01-31"},
		{name: "anchored clamps february", now: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), anchor: &anchor, want: "2026-02-28"},
		{name: "anchored month end", now: time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC), anchor: &anchor, want: "2026-03-31"},
		{name: "anchored just before cycle", now: time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC), anchor: &anchor, want: "2026-02-28"},
		{name: "anchored across year", now: time.Date(2027, 1, 5, 0, 0, 0, 0, time.UTC), anchor: &anchor, want: "2026-12-31"},
		{name: "before anchor", now: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), anchor: &anchor, want: "2026-01-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PeriodKey(tt.now, tt.anchor))
		})
	}
}

func TestQuotaRemaining(t *testing.T) {
	assert.Equal(t, int64(3), Quota{Allotted: 5, Consumed: 2}.Remaining())
	assert.Equal(t, int64(0), Quota{Allotted: 5, Consumed: 9}.Remaining())
}
