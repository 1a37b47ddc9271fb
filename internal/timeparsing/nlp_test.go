package timeparsing

import (
	"testing"
	"time"
)

func TestParseNaturalLanguage(t *testing.T) {
	p := New()
	// Fixed reference time: Wednesday, January 15, 2025, 10:00:00 AM
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		name      string
		input     string
		wantYear  int
		wantMonth time.Month
		wantDay   int
		wantHour  int // -1 means don't check hour
		wantErr   bool
	}{
		{
			name:      "tomorrow",
			input:     "tomorrow",
			wantYear:  2025,
			wantMonth: time.January,
			wantDay:   16,
			wantHour:  -1,
		},
		{
			name:      "yesterday",
			input:     "yesterday",
			wantYear:  2025,
			wantMonth: time.January,
			wantDay:   14,
			wantHour:  -1,
		},
		{
			// Reference is Wednesday Jan 15
			name:      "next monday",
			input:     "next monday",
			wantYear:  2025,
			wantMonth: time.January,
			wantDay:   20,
			wantHour:  -1,
		},
		{
			name:      "next friday lands in the same week",
			input:     "next friday",
			wantYear:  2025,
			wantMonth: time.January,
			wantDay:   17,
			wantHour:  -1,
		},
		{
			name:      "tomorrow at 9am",
			input:     "tomorrow at 9am",
			wantYear:  2025,
			wantMonth: time.January,
			wantDay:   16,
			wantHour:  9,
		},
		{
			name:      "in 3 days",
			input:     "in 3 days",
			wantYear:  2025,
			wantMonth: time.January,
			wantDay:   18,
			wantHour:  -1,
		},
		{
			name:    "random text",
			input:   "not a date at all",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if got.Year() != tt.wantYear {
				t.Errorf("Parse(%q) year = %d, want %d", tt.input, got.Year(), tt.wantYear)
			}
			if got.Month() != tt.wantMonth {
				t.Errorf("Parse(%q) month = %v, want %v", tt.input, got.Month(), tt.wantMonth)
			}
			if got.Day() != tt.wantDay {
				t.Errorf("Parse(%q) day = %d, want %d", tt.input, got.Day(), tt.wantDay)
			}
			if tt.wantHour >= 0 && got.Hour() != tt.wantHour {
				t.Errorf("Parse(%q) hour = %d, want %d", tt.input, got.Hour(), tt.wantHour)
			}
		})
	}
}

// TestParseLayers checks that each layer gets its turn: offsets first,
// then natural language, then absolute forms.
func TestParseLayers(t *testing.T) {
	p := New()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		input    string
		wantDay  int
		wantHour int // -1 means don't check hour
	}{
		{"+1d", 16, 10},
		{"+6h", 15, 16},
		{"tomorrow", 16, -1},
		{"2025-01-20", 20, 0},
	}
	for _, tt := range tests {
		got, err := p.Parse(tt.input, now)
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got.Day() != tt.wantDay {
			t.Errorf("Parse(%q) day = %d, want %d", tt.input, got.Day(), tt.wantDay)
		}
		if tt.wantHour >= 0 && got.Hour() != tt.wantHour {
			t.Errorf("Parse(%q) hour = %d, want %d", tt.input, got.Hour(), tt.wantHour)
		}
	}
}

func TestAnchors(t *testing.T) {
	p := New()
	// Wednesday, January 15, 2025
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	anchors := p.Anchors(now)
	byPhrase := make(map[string]time.Time, len(anchors))
	for _, a := range anchors {
		if _, dup := byPhrase[a.Phrase]; dup {
			t.Errorf("duplicate anchor phrase %q", a.Phrase)
		}
		byPhrase[a.Phrase] = a.Date
	}

	wantDays := map[string]int{
		"today":     15,
		"yesterday": 14,
		"tomorrow":  16,
		"next week": 22,
		"friday":    17,
		"monday":    20,
		// A weekday anchor is always strictly in the future, so the
		// reference day's own weekday points a week out.
		"wednesday": 22,
	}
	for phrase, day := range wantDays {
		got, ok := byPhrase[phrase]
		if !ok {
			t.Errorf("anchor %q missing", phrase)
			continue
		}
		if got.Day() != day {
			t.Errorf("anchor %q = day %d, want %d", phrase, got.Day(), day)
		}
	}
	if next := byPhrase["next month"]; next.Month() != time.February {
		t.Errorf("next month anchor = %v, want February", next.Month())
	}

	if digest := AnchorDigest(anchors); digest == "" {
		t.Error("AnchorDigest returned empty string")
	}
}
