package db

import (
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestInQuietHours(t *testing.T) {
	at := func(hhmm string) time.Time {
		parsed, err := time.Parse("15:04", hhmm)
		if err != nil {
			t.Fatalf("bad test time %q: %v", hhmm, err)
		}
		return time.Date(2026, 3, 10, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		start *string
		end   *string
		now   string
		want  bool
	}{
		{"no window", nil, nil, "12:00", false},
		{"only start set", strPtr("22:00"), nil, "23:00", false},
		{"inside simple window", strPtr("09:00"), strPtr("17:00"), "12:00", true},
		{"before simple window", strPtr("09:00"), strPtr("17:00"), "08:59", false},
		{"at window start", strPtr("09:00"), strPtr("17:00"), "09:00", true},
		{"at window end", strPtr("09:00"), strPtr("17:00"), "17:00", false},
		{"inside overnight window, before midnight", strPtr("22:00"), strPtr("07:00"), "23:00", true},
		{"inside overnight window, after midnight", strPtr("22:00"), strPtr("07:00"), "03:00", true},
		{"outside overnight window", strPtr("22:00"), strPtr("07:00"), "12:00", false},
		{"at overnight end", strPtr("22:00"), strPtr("07:00"), "07:00", false},
		{"degenerate equal window", strPtr("10:00"), strPtr("10:00"), "10:00", false},
		{"unparseable start", strPtr("25:99"), strPtr("07:00"), "03:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := NotificationPreference{
				QuietHoursStart: tt.start,
				QuietHoursEnd:   tt.end,
			}
			if got := pref.InQuietHours(at(tt.now)); got != tt.want {
				t.Errorf("InQuietHours(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}
