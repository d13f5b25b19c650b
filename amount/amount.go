// Package amount works on the decimal-as-string amounts carried by
// transactions. Keeping amounts as strings on the wire avoids float rounding;
// arithmetic happens on decimal values and is converted back at the edges.
package amount

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string into an exact decimal value.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsPositive reports whether s parses to a value greater than zero.
func IsPositive(s string) bool {
	d, err := Parse(s)
	return err == nil && d.IsPositive()
}

// Add returns the exact sum of two decimal strings.
func Add(a, b string) (string, error) {
	da, err := Parse(a)
	if err != nil {
		return "", err
	}
	db, err := Parse(b)
	if err != nil {
		return "", err
	}
	return da.Add(db).String(), nil
}

// Sub returns a-b as a decimal string.
func Sub(a, b string) (string, error) {
	da, err := Parse(a)
	if err != nil {
		return "", err
	}
	db, err := Parse(b)
	if err != nil {
		return "", err
	}
	return da.Sub(db).String(), nil
}

// Cmp compares two decimal strings: -1 if a<b, 0 if equal, +1 if a>b.
func Cmp(a, b string) (int, error) {
	da, err := Parse(a)
	if err != nil {
		return 0, err
	}
	db, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return da.Cmp(db), nil
}

// Split divides total into n parts that sum exactly to the input. The last
// part absorbs any remainder, so Σ parts == total holds for every n >= 1.
func Split(total string, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("split into %d parts", n)
	}
	d, err := Parse(total)
	if err != nil {
		return nil, err
	}

	parts := make([]string, n)
	if n == 1 {
		parts[0] = d.String()
		return parts, nil
	}

	share := d.DivRound(decimal.NewFromInt(int64(n)), 18)
	running := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = share.String()
		running = running.Add(share)
	}
	parts[n-1] = d.Sub(running).String()
	return parts, nil
}

// Sum adds a list of decimal strings exactly.
func Sum(values []string) (string, error) {
	total := decimal.Zero
	for _, v := range values {
		d, err := Parse(v)
		if err != nil {
			return "", err
		}
		total = total.Add(d)
	}
	return total.String(), nil
}
