package domain

import "strings"

// NormalizeNumber strips formatting from a North American number and returns
// it in E.164 form (+1XXXXXXXXXX). ok is false when the input does not contain
// ten digits after an optional leading country code.
func NormalizeNumber(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(12)
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", false
	}
	return "+1" + digits, true
}

// ValidNumber applies NANP numbering rules to an E.164 number: area code and
// exchange must start with 2-9 and must not be N11 service codes.
func ValidNumber(e164 string) bool {
	if len(e164) != 12 || !strings.HasPrefix(e164, "+1") {
		return false
	}
	digits := e164[2:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	area, exchange := digits[0:3], digits[3:6]
	if area[0] < '2' || exchange[0] < '2' {
		return false
	}
	return !isN11(area) && !isN11(exchange)
}
