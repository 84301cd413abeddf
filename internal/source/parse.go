package source

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidValue marks a cell that could not be parsed.
var ErrInvalidValue = errors.New("source: invalid value")

var numberCleaner = strings.NewReplacer(
	",", "",
	"，", "",
	" ", "",
	"\u00a0", "",
	"＋", "+",
	"－", "-",
	"−", "-",
	"％", "",
	"%", "",
)

var nullTokens = map[string]struct{}{
	"":     {},
	"-":    {},
	"--":   {},
	"---":  {},
	"n/a":  {},
	"na":   {},
	"null": {},
	"none": {},
	"nan":  {},
}

func isNull(s string) bool {
	_, ok := nullTokens[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// ParseDecimal parses an exchange-formatted number. Null tokens yield nil.
func ParseDecimal(raw string) (*decimal.Decimal, error) {
	if isNull(raw) {
		return nil, nil
	}
	s := numberCleaner.Replace(strings.TrimSpace(raw))

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if isNull(s) {
		return nil, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: number %q", ErrInvalidValue, raw)
	}
	if negative {
		d = d.Neg()
	}
	return &d, nil
}

// ParseShares parses an integral share count.
func ParseShares(raw string) (*int64, error) {
	d, err := ParseDecimal(raw)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("%w: share count %q is not integral", ErrInvalidValue, raw)
	}
	v := d.IntPart()
	return &v, nil
}

// ParseDate accepts YYYY-MM-DD, YYYY/MM/DD, YYYYMMDD and ROC YYY/MM/DD dates.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrInvalidValue)
	}

	if len(s) == 8 && !strings.ContainsAny(s, "-/") {
		t, err := time.Parse("20060102", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidValue, raw)
		}
		return t, nil
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' || r == '.' })
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidValue, raw)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidValue, raw)
		}
		nums[i] = n
	}
	year := nums[0]
	if len(parts[0]) <= 3 {
		// 民國紀年
		year += 1911
	}
	t := time.Date(year, time.Month(nums[1]), nums[2], 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != nums[1] || t.Day() != nums[2] {
		return time.Time{}, fmt.Errorf("%w: date %q out of range", ErrInvalidValue, raw)
	}
	return t, nil
}
