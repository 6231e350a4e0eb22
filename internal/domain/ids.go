package domain

import "strings"

// CompareIDs orders platform ids numerically without parsing them.
// Snowflake ids are decimal strings, so a longer id is larger and ids of
// equal length compare lexically. Leading zeros are ignored.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// MaxID returns the larger of two ids. An empty id loses.
func MaxID(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if CompareIDs(a, b) >= 0 {
		return a
	}
	return b
}
