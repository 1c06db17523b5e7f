package freshness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupWindow(t *testing.T) {
	tests := []struct {
		name string
		want WindowClass
	}{
		{"last_month", ClassHistorical},
		{"last_quarter", ClassHistorical},
		{"last_year", ClassHistorical},
		{"all_time", ClassHistorical},
		{"current_month", ClassCurrent},
		{"current_quarter", ClassCurrent},
		{"current_year", ClassCurrent},
		{"this_quarter_maybe", ClassUnknown},
		{"", ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := LookupWindow(tt.name)
			assert.Equal(t, tt.name, w.Name)
			assert.Equal(t, tt.want, w.Class)
		})
	}
}

func TestWindowClass_Text(t *testing.T) {
	for _, c := range []WindowClass{ClassUnknown, ClassHistorical, ClassCurrent} {
		b, err := c.MarshalText()
		require.NoError(t, err)

		var back WindowClass
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, c, back)
	}

	var c WindowClass
	assert.Error(t, c.UnmarshalText([]byte("ancient")))
}

func TestPolicy_DurationFor(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name     string
		category string
		window   Window
		want     time.Duration
	}{
		{"quotas last quarter", "quotas", LastQuarter, 24 * time.Hour},
		{"quotas last year", "quotas", LastYear, 48 * time.Hour},
		{"quotas all time", "quotas", AllTime, 168 * time.Hour},
		{"quotas current month", "quotas", CurrentMonth, 2 * time.Hour},
		{"quotas current quarter", "quotas", CurrentQuarter, 4 * time.Hour},
		{"reaction times last month", "reaction_times", LastMonth, 12 * time.Hour},
		{"reaction times all time", "reaction_times", AllTime, 72 * time.Hour},
		{"reaction times current month", "reaction_times", CurrentMonth, time.Hour},
		{"problematic stays current year", "problematic_stays", CurrentYear, 8 * time.Hour},
		{"problematic stays last year", "problematic_stays", LastYear, 48 * time.Hour},
		{"unnamed historical window uses class default", "reaction_times", Window{Name: "fy2023", Class: ClassHistorical}, 12 * time.Hour},
		{"unnamed current window uses class default", "problematic_stays", Window{Name: "this_week", Class: ClassCurrent}, 6 * time.Hour},
		{"unknown window falls back to default", "quotas", LookupWindow("whenever"), 24 * time.Hour},
		{"unknown category falls back to default", "profile_quality", CurrentMonth, 24 * time.Hour},
		{"empty input falls back to default", "", Window{}, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.DurationFor(tt.category, tt.window))
		})
	}

	t.Run("nil policy is total", func(t *testing.T) {
		var nilPolicy *Policy
		assert.Equal(t, DefaultDuration, nilPolicy.DurationFor("quotas", LastMonth))
	})
}

func TestParsePolicy(t *testing.T) {
	t.Run("reads rules", func(t *testing.T) {
		p, err := ParsePolicy([]byte(`
default_hours: 12
categories:
  quotas:
    historical: 36
    current: 3
    windows:
      all_time: 240
`))
		require.NoError(t, err)
		assert.Equal(t, 240*time.Hour, p.DurationFor("quotas", AllTime))
		assert.Equal(t, 36*time.Hour, p.DurationFor("quotas", LastMonth))
		assert.Equal(t, 3*time.Hour, p.DurationFor("quotas", CurrentYear))
		assert.Equal(t, 12*time.Hour, p.DurationFor("reaction_times", LastMonth))
	})

	t.Run("rejects negative hours", func(t *testing.T) {
		_, err := ParsePolicy([]byte("categories:\n  quotas:\n    windows:\n      last_month: -1\n"))
		assert.Error(t, err)
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		_, err := ParsePolicy([]byte("categories: [unterminated"))
		assert.Error(t, err)
	})
}

func TestLoadPolicyWithDefault(t *testing.T) {
	dir := t.TempDir()
	unset := filepath.Join(dir, "unset.yaml")
	set := filepath.Join(dir, "set.yaml")
	require.NoError(t, os.WriteFile(unset, []byte("categories:\n  quotas:\n    current: 3\n"), 0o600))
	require.NoError(t, os.WriteFile(set, []byte("default_hours: 6\n"), 0o600))

	p, err := LoadPolicyWithDefault(unset, 12)
	require.NoError(t, err)
	assert.Equal(t, 12, p.DefaultHours)
	assert.Equal(t, 3*time.Hour, p.DurationFor("quotas", CurrentMonth))

	p, err = LoadPolicyWithDefault(set, 12)
	require.NoError(t, err)
	assert.Equal(t, 6, p.DefaultHours, "an explicit default wins")

	_, err = LoadPolicyWithDefault(filepath.Join(dir, "missing.yaml"), 12)
	assert.Error(t, err)
}
