package amount

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a token or currency value in hundredths (two fractional digits).
// All arithmetic stays in integer cents so percentage ceilings round the same
// way everywhere.
type Amount int64

var ErrInvalidAmount = errors.New("invalid amount")

func FromCents(cents int64) Amount {
	return Amount(cents)
}

func FromTokens(tokens int64) Amount {
	return Amount(tokens * 100)
}

// Parse accepts decimal strings like "100", "20.5" or "0.25". More than two
// fractional digits is rejected rather than silently rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole = s[:idx]
		frac = s[idx+1:]
	}
	if whole == "" || len(frac) > 2 {
		return 0, ErrInvalidAmount
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := w * 100
	if frac != "" {
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
		cents += f
	}
	if neg {
		cents = -cents
	}
	return Amount(cents), nil
}

func (a Amount) Cents() int64 {
	return int64(a)
}

func (a Amount) Add(b Amount) Amount {
	return a + b
}

func (a Amount) Sub(b Amount) Amount {
	return a - b
}

func (a Amount) IsPositive() bool {
	return a > 0
}

func (a Amount) IsNegative() bool {
	return a < 0
}

// Percent returns p percent of a, floored to the cent. The ceiling check and
// the reported ceiling must both use this so a boundary amount never fails by
// a fraction of a cent.
func (a Amount) Percent(p int64) Amount {
	return Amount(int64(a) * p / 100)
}

func (a Amount) String() string {
	cents := int64(a)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
