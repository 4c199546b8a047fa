package db

import (
	"testing"
	"time"

	"lv-marginbook/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestLatestModeFollowsMostRecentActivity(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name   string
		states []legacyState
		want   types.Mode
	}{
		{name: "no legacy rows", want: types.ModeDemo},
		{
			name: "live was last active",
			states: []legacyState{
				{ID: "a", Mode: "demo", LastActiveAt: base},
				{ID: "b", Mode: "live", LastActiveAt: base.Add(time.Hour)},
			},
			want: types.ModeLive,
		},
		{
			name: "demo was last active",
			states: []legacyState{
				{ID: "a", Mode: "live", LastActiveAt: base},
				{ID: "b", Mode: "demo", LastActiveAt: base.Add(time.Minute)},
			},
			want: types.ModeDemo,
		},
		{
			name:   "single live row at the epoch",
			states: []legacyState{{ID: "a", Mode: "live", LastActiveAt: time.Unix(0, 0).UTC()}},
			want:   types.ModeLive,
		},
		{
			name: "unknown modes are ignored",
			states: []legacyState{
				{ID: "a", Mode: "paper", LastActiveAt: base.Add(time.Hour)},
				{ID: "b", Mode: "live", LastActiveAt: base},
			},
			want: types.ModeLive,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, latestMode(tc.states))
		})
	}
}
