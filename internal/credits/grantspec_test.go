package credits

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseGrantSpec(t *testing.T) {
	tests := []struct {
		name     string
		metadata string
		ok       bool
		credits  int64
		validity Validity
		wantErr  bool
	}{
		{"integer credits", `{"credits": 100}`, true, 100, DefaultValidity, false},
		{"string credits with leading zeros", `{"credits": "0100"}`, true, 100, DefaultValidity, false},
		{"string validity months", `{"credits": 5, "validity_period": "3m"}`, true, 5, Validity{3, 'm'}, false},
		{"string validity years", `{"credits": 5, "validity_period": "2Y"}`, true, 5, Validity{2, 'y'}, false},
		{"string validity days", `{"credits": 5, "validity_period": "45d"}`, true, 5, Validity{45, 'd'}, false},
		{"plain string days", `{"credits": 5, "validity_period": "30"}`, true, 5, Validity{30, 'd'}, false},
		{"integer validity", `{"credits": 5, "validity_period": 7}`, true, 5, Validity{7, 'd'}, false},
		{"no credits key", `{"tier": "pro"}`, false, 0, Validity{}, false},
		{"zero credits", `{"credits": "0"}`, true, 0, DefaultValidity, false},
		{"integer zero credits", `{"credits": 0, "validity_period": "1m"}`, true, 0, Validity{1, 'm'}, false},
		{"empty metadata", ``, false, 0, Validity{}, false},
		{"null metadata", `null`, false, 0, Validity{}, false},
		{"negative credits", `{"credits": -5}`, false, 0, Validity{}, true},
		{"fractional credits", `{"credits": 1.5}`, false, 0, Validity{}, true},
		{"garbage string credits", `{"credits": "lots"}`, false, 0, Validity{}, true},
		{"bad validity", `{"credits": 5, "validity_period": "3w"}`, false, 0, Validity{}, true},
		{"zero validity", `{"credits": 5, "validity_period": 0}`, false, 0, Validity{}, true},
		{"century of days", `{"credits": 5, "validity_period": "36500d"}`, true, 5, Validity{36500, 'd'}, false},
		{"century of years", `{"credits": 5, "validity_period": "100y"}`, true, 5, Validity{100, 'y'}, false},
		{"too many years", `{"credits": 5, "validity_period": "8000y"}`, false, 0, Validity{}, true},
		{"too many months", `{"credits": 5, "validity_period": "1201m"}`, false, 0, Validity{}, true},
		{"too many integer days", `{"credits": 5, "validity_period": 36501}`, false, 0, Validity{}, true},
		{"overflowing days", `{"credits": 5, "validity_period": "99999999999999d"}`, false, 0, Validity{}, true},
		{"not an object", `[1, 2]`, false, 0, Validity{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok, err := ParseGrantSpec(json.RawMessage(tt.metadata))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("got err %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if spec.Credits != tt.credits {
				t.Errorf("credits: got %d, want %d", spec.Credits, tt.credits)
			}
			if spec.Validity != tt.validity {
				t.Errorf("validity: got %v, want %v", spec.Validity, tt.validity)
			}
		})
	}
}

func TestValidityCalendarArithmetic(t *testing.T) {
	jan31 := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	feb29 := time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		v    Validity
		from time.Time
		want time.Time
	}{
		{"days", Validity{30, 'd'}, jan31, jan31.Add(30 * 24 * time.Hour)},
		{"one month normalises", Validity{1, 'm'}, jan31, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)},
		{"three months", Validity{3, 'm'}, jan31, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"leap year", Validity{1, 'y'}, feb29, time.Date(2029, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"default", DefaultValidity, jan31, time.Date(2027, 1, 31, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.ExpiresAt(tt.from); !got.Equal(tt.want) {
				t.Errorf("ExpiresAt: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidityDays(t *testing.T) {
	from := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if got := (Validity{3, 'm'}).Days(from); got != 92 {
		t.Errorf("3m from Mar 15: got %d days, want 92", got)
	}
	if got := (Validity{10, 'd'}).Days(from); got != 10 {
		t.Errorf("10d: got %d", got)
	}
	if got := (Validity{1, 'y'}).Days(from); got != 365 {
		t.Errorf("1y: got %d", got)
	}
}

func TestParseValidityBounds(t *testing.T) {
	for _, in := range []string{"36500", "36500d", "1200m", "100y", ""} {
		if _, err := ParseValidity(in); err != nil {
			t.Errorf("ParseValidity(%q): %v", in, err)
		}
	}
	for _, in := range []string{"36501", "36501d", "1201m", "101y", "8000y", "0d", "-1m"} {
		if _, err := ParseValidity(in); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParseValidity(%q): got %v, want ErrInvalidArgument", in, err)
		}
	}
}

func TestCreditsForUsage(t *testing.T) {
	tests := []struct {
		units, rate, want int64
	}{
		{0, 1000, 0},
		{1, 1000, 1},
		{999, 1000, 1},
		{1000, 1000, 1},
		{1001, 1000, 2},
		{2500, 1000, 3},
		{2500, 0, 3},
		{10, 3, 4},
	}
	for _, tt := range tests {
		if got := CreditsForUsage(tt.units, tt.rate); got != tt.want {
			t.Errorf("CreditsForUsage(%d, %d): got %d, want %d", tt.units, tt.rate, got, tt.want)
		}
	}
}
