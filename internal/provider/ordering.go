package provider

import "strings"

// CompareNumeric orders decimal cursors of arbitrary length. Non-numeric
// input sorts lexically after numeric input.
func CompareNumeric(a, b string) int {
	a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	an, bn := isDigits(a), isDigits(b)
	switch {
	case an && !bn:
		return -1
	case !an && bn:
		return 1
	case !an && !bn:
		return strings.Compare(a, b)
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
