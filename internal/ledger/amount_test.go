package ledger

import (
	"errors"
	"math"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		err  error
	}{
		{in: "0", want: 0},
		{in: " 42\n", want: 42},
		{in: "9223372036854775807", want: math.MaxInt64},
		{in: "18446744073709551615", want: math.MaxUint64},
		{in: "18446744073709551616", err: ErrSpendOverflow},
		{in: "-1", err: ErrNegativeAmount},
		{in: "1.5", err: ErrMalformedAmount},
		{in: "abc", err: ErrMalformedAmount},
		{in: "", err: ErrMalformedAmount},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%q: expected %v, got %v", tc.in, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestNormalizeID(t *testing.T) {
	if _, err := NormalizeID(" \t"); !errors.Is(err, ErrInvalidBalanceID) {
		t.Fatalf("expected ErrInvalidBalanceID, got %v", err)
	}
	a, _ := NormalizeID("caf\u00e9")
	b, _ := NormalizeID("cafe\u0301")
	if a != b {
		t.Fatalf("expected normalized ids to match: %q %q", a, b)
	}
}

