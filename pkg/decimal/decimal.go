// Package decimal 精度计算工具
package decimal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPrecision 默认小数位数
const DefaultPrecision = 8

// ParseScaled parses a decimal string into an int64 count of minimal
// units (10^-precision). Values with more fractional digits than the
// precision allows are rejected rather than silently truncated.
func ParseScaled(s string, precision int32) (int64, error) {
	if precision < 0 {
		precision = DefaultPrecision
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	shifted := d.Shift(precision)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("decimal %q exceeds precision %d", s, precision)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("decimal %q out of range", s)
	}
	return bi.Int64(), nil
}

// FormatScaled renders an int64 count of minimal units back as a
// decimal string.
func FormatScaled(v int64, precision int32) string {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return decimal.New(v, -precision).String()
}
