package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLastAccessLabel(t *testing.T) {
	now := time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		ts   time.Time
		want string
	}{
		{
			"same day shows clock time",
			time.Date(2024, 6, 15, 9, 5, 0, 0, time.UTC),
			"09:05",
		},
		{
			"same minute",
			now,
			"14:30",
		},
		{
			"same year shows date and time",
			time.Date(2024, 3, 2, 18, 45, 0, 0, time.UTC),
			"Mar 2, 18:45",
		},
		{
			"previous day same year",
			time.Date(2024, 6, 14, 23, 59, 0, 0, time.UTC),
			"Jun 14, 23:59",
		},
		{
			"earlier year shows full date",
			time.Date(2022, 11, 30, 8, 0, 0, 0, time.UTC),
			"Nov 30, 2022",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LastAccessLabel(now.UnixMilli(), tt.ts.UnixMilli())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLastAccessLabelBucketsByMinute(t *testing.T) {
	now := time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)
	a := time.Date(2024, 6, 15, 10, 20, 5, 0, time.UTC)
	b := time.Date(2024, 6, 15, 10, 20, 55, 0, time.UTC)
	c := time.Date(2024, 6, 15, 10, 21, 0, 0, time.UTC)

	assert.Equal(t,
		LastAccessLabel(now.UnixMilli(), a.UnixMilli()),
		LastAccessLabel(now.UnixMilli(), b.UnixMilli()),
		"same minute should share a bucket label")
	assert.NotEqual(t,
		LastAccessLabel(now.UnixMilli(), a.UnixMilli()),
		LastAccessLabel(now.UnixMilli(), c.UnixMilli()))
}
