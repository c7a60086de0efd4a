// Package version orders release version strings.
//
// Versions are dot-separated non-negative integers of any arity. Missing
// trailing components count as zero, so "1.2" and "1.2.0" are equal.
package version

import (
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Ordering is the result of comparing two versions.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "LESS"
	case Greater:
		return "GREATER"
	default:
		return "EQUAL"
	}
}

// Compare orders a against b. It never fails: strings that are not valid
// versions are compared component-wise with unparseable components read as 0.
// Every string maps to one integer sequence, so the order is total.
func Compare(a, b string) Ordering {
	return compareSegments(canonical(a), canonical(b))
}

// IsNewer reports whether candidate is strictly greater than current.
func IsNewer(candidate, current string) bool {
	return Compare(candidate, current) == Greater
}

// Valid reports whether s is a well-formed version string: numeric
// components only, no pre-release or build suffix.
func Valid(s string) bool {
	_, ok := parse(s)
	return ok
}

func parse(s string) (*goversion.Version, bool) {
	v, err := goversion.NewVersion(strings.TrimSpace(s))
	if err != nil || v.Prerelease() != "" || v.Metadata() != "" {
		return nil, false
	}
	return v, true
}

func canonical(s string) []int64 {
	if v, ok := parse(s); ok {
		return v.Segments64()
	}
	return segments(s)
}

func segments(s string) []int64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	out := make([]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(leadingDigits(p), 10, 64)
		if err != nil || n < 0 {
			n = 0
		}
		out[i] = n
	}
	return out
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

func compareSegments(a, b []int64) Ordering {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		var x, y int64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x > y:
			return Greater
		case x < y:
			return Less
		}
	}
	return Equal
}
