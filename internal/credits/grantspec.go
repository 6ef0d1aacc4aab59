package credits

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validity is how long an order package lasts. Months and years use calendar
// arithmetic, so "1m" from Jan 31 lands on Mar 3 (Go's AddDate normalisation).
type Validity struct {
	N    int
	Unit byte // 'd', 'm' or 'y'
}

// DefaultValidity applies when product metadata carries no validity_period.
var DefaultValidity = Validity{N: 1, Unit: 'y'}

// ExpiresAt returns from shifted by the validity window.
func (v Validity) ExpiresAt(from time.Time) time.Time {
	switch v.Unit {
	case 'm':
		return from.AddDate(0, v.N, 0)
	case 'y':
		return from.AddDate(v.N, 0, 0)
	default:
		return from.AddDate(0, 0, v.N)
	}
}

// Days is the informational length of the window starting at from, rounded up.
func (v Validity) Days(from time.Time) int {
	if v.Unit == 'd' {
		return v.N
	}
	d := v.ExpiresAt(from).Sub(from)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

func (v Validity) String() string {
	return strconv.Itoa(v.N) + string(v.Unit)
}

// maxValidity bounds each unit at roughly a century.
var maxValidity = map[byte]int{'d': 36500, 'm': 1200, 'y': 100}

func newValidity(n int, unit byte) (Validity, bool) {
	if n <= 0 || n > maxValidity[unit] {
		return Validity{}, false
	}
	return Validity{N: n, Unit: unit}, true
}

// ParseValidity accepts a plain day count ("30") or a count with a d, m or y suffix
// ("30d", "3m", "1y"), up to 100 years. An empty string yields DefaultValidity.
func ParseValidity(s string) (Validity, error) {
	orig := s
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultValidity, nil
	}
	unit := byte('d')
	switch last := s[len(s)-1]; last {
	case 'd', 'm', 'y':
		unit = last
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Validity{}, fmt.Errorf("%w: validity_period %q", ErrInvalidArgument, orig)
	}
	v, ok := newValidity(n, unit)
	if !ok {
		return Validity{}, fmt.Errorf("%w: validity_period %q out of range", ErrInvalidArgument, orig)
	}
	return v, nil
}

// GrantSpec is the credit grant carried in product metadata.
type GrantSpec struct {
	Credits  int64
	Validity Validity
}

// ParseGrantSpec reads credits and validity_period from product metadata. credits may be
// a JSON integer or a decimal string, leading zeros allowed ("0100" is 100);
// validity_period may be an integer day count or a suffixed string. ok is false when the
// metadata has no credits key; an explicit zero is reported as ok with Credits 0.
func ParseGrantSpec(metadata json.RawMessage) (spec GrantSpec, ok bool, err error) {
	if len(bytes.TrimSpace(metadata)) == 0 || bytes.Equal(bytes.TrimSpace(metadata), []byte("null")) {
		return GrantSpec{}, false, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(metadata, &m); err != nil {
		return GrantSpec{}, false, fmt.Errorf("%w: metadata is not an object: %v", ErrInvalidArgument, err)
	}

	raw, present := m["credits"]
	if !present {
		return GrantSpec{}, false, nil
	}
	credits, err := parseCredits(raw)
	if err != nil {
		return GrantSpec{}, false, err
	}

	validity := DefaultValidity
	if rawValidity, present := m["validity_period"]; present {
		validity, err = parseValidityValue(rawValidity)
		if err != nil {
			return GrantSpec{}, false, err
		}
	}
	return GrantSpec{Credits: credits, Validity: validity}, true, nil
}

func parseCredits(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 || strings.HasPrefix(s, "+") {
			return 0, fmt.Errorf("%w: credits %q is not a non-negative integer", ErrInvalidArgument, s)
		}
		return n, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, fmt.Errorf("%w: credits must be an integer or a decimal string", ErrInvalidArgument)
	}
	v, err := n.Int64()
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: credits %s is not a non-negative integer", ErrInvalidArgument, n)
	}
	return v, nil
}

func parseValidityValue(raw json.RawMessage) (Validity, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseValidity(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return Validity{}, fmt.Errorf("%w: validity_period %s", ErrInvalidArgument, raw)
	}
	v, ok := newValidity(n, 'd')
	if !ok {
		return Validity{}, fmt.Errorf("%w: validity_period %s out of range", ErrInvalidArgument, raw)
	}
	return v, nil
}

// CreditsForUsage converts metered units to credits, rounding up. A non-positive rate
// falls back to 1000 units per credit.
func CreditsForUsage(units, unitsPerCredit int64) int64 {
	if units <= 0 {
		return 0
	}
	if unitsPerCredit <= 0 {
		unitsPerCredit = 1000
	}
	return (units + unitsPerCredit - 1) / unitsPerCredit
}
