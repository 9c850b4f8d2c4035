package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Fixed3 is a fixed-point decimal with three fractional digits, stored as
// thousandths. Displacements (mm) and coherence scores use it so values
// round-trip through numeric columns without float drift.
type Fixed3 int64

// MaxFixed3 is the largest magnitude a numeric(12,3) column holds.
const MaxFixed3 Fixed3 = 999_999_999_999

// ErrFixed3Range indicates a value too large for a Fixed3 column.
var ErrFixed3Range = errors.New("fixed3 value out of range")

// Fixed3FromFloat rounds f to the nearest thousandth. It does not check
// the range; use ParseFixed3 for untrusted input.
func Fixed3FromFloat(f float64) Fixed3 {
	return Fixed3(math.Round(f * 1000))
}

// ParseFixed3 parses a decimal string such as "-1.234".
func ParseFixed3(s string) (Fixed3, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse fixed3 %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parse fixed3 %q: not finite", s)
	}
	v := math.Round(f * 1000)
	if math.Abs(v) > float64(MaxFixed3) {
		return 0, fmt.Errorf("parse fixed3 %q: %w", s, ErrFixed3Range)
	}
	return Fixed3(v), nil
}

// Float64 returns the value as a float.
func (f Fixed3) Float64() float64 {
	return float64(f) / 1000
}

// String renders the value with exactly three decimals.
func (f Fixed3) String() string {
	sign := ""
	v := int64(f)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%03d", sign, v/1000, v%1000)
}

// Value implements driver.Valuer.
func (f Fixed3) Value() (driver.Value, error) {
	return f.String(), nil
}

// Scan implements sql.Scanner.
func (f *Fixed3) Scan(src any) error {
	switch v := src.(type) {
	case float64:
		*f = Fixed3FromFloat(v)
	case float32:
		*f = Fixed3FromFloat(float64(v))
	case int64:
		*f = Fixed3(v * 1000)
	case []byte:
		p, err := ParseFixed3(string(v))
		if err != nil {
			return err
		}
		*f = p
	case string:
		p, err := ParseFixed3(v)
		if err != nil {
			return err
		}
		*f = p
	default:
		return fmt.Errorf("scan fixed3: unsupported type %T", src)
	}
	return nil
}

// MarshalJSON renders the value as a JSON number.
func (f Fixed3) MarshalJSON() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalJSON accepts a JSON number or numeric string.
func (f *Fixed3) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	p, err := ParseFixed3(s)
	if err != nil {
		return err
	}
	*f = p
	return nil
}
