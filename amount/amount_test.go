package amount

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddSubExact(t *testing.T) {
	sum, err := Add("0.1", "0.2")
	require.NoError(t, err)
	require.Equal(t, "0.3", sum, "decimal arithmetic must not inherit float rounding")

	diff, err := Sub("1", "0.9")
	require.NoError(t, err)
	require.Equal(t, "0.1", diff)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-number")
	require.Error(t, err)

	_, err = Add("1", "")
	require.Error(t, err)
}

func TestIsPositive(t *testing.T) {
	require.True(t, IsPositive("0.0001"))
	require.False(t, IsPositive("0"))
	require.False(t, IsPositive("-1"))
	require.False(t, IsPositive("junk"))
}

func TestCmp(t *testing.T) {
	for _, tc := range []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"2", "2", 0},
		{"2.5", "2.4999", 1},
	} {
		got, err := Cmp(tc.a, tc.b)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "%s vs %s", tc.a, tc.b)
	}
}

func TestSplitSumsExactly(t *testing.T) {
	for _, tc := range []struct {
		total string
		n     int
	}{
		{"100", 3},
		{"1", 7},
		{"0.0000001", 3},
		{"99.99", 2},
		{"5", 1},
	} {
		t.Run(fmt.Sprintf("%s_into_%d", tc.total, tc.n), func(t *testing.T) {
			parts, err := Split(tc.total, tc.n)
			require.NoError(t, err)
			require.Len(t, parts, tc.n)

			sum, err := Sum(parts)
			require.NoError(t, err)
			cmp, err := Cmp(sum, tc.total)
			require.NoError(t, err)
			require.Zero(t, cmp, "parts %v must sum to %s, got %s", parts, tc.total, sum)
		})
	}
}

func TestSplitRejectsZeroParts(t *testing.T) {
	_, err := Split("10", 0)
	require.Error(t, err)
}
