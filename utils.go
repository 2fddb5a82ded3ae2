package msqpay

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	bytes32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	hexDataPattern = regexp.MustCompile(`^0x[0-9a-fA-F]*$`)
	sigPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

// IsHexAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsHexAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// IsBytes32Hex reports whether s is a 0x-prefixed 32-byte hex value
// (payment ids and merchant ids on the wire).
func IsBytes32Hex(s string) bool {
	return bytes32Pattern.MatchString(s)
}

// IsHexData reports whether s is 0x-prefixed hex call data of at least one
// byte with an even number of hex digits.
func IsHexData(s string) bool {
	if len(s) <= 2 || len(s)%2 != 0 {
		return false
	}
	return hexDataPattern.MatchString(s)
}

// IsValidSignatureFormat reports whether s is exactly a 65-byte ECDSA
// signature encoded as 0x + 130 hex characters with a recovery byte of
// 27 or 28. This gate runs before any cryptographic recovery is attempted.
func IsValidSignatureFormat(s string) bool {
	if !sigPattern.MatchString(s) {
		return false
	}
	v, err := strconv.ParseUint(s[len(s)-2:], 16, 8)
	if err != nil {
		return false
	}
	return v == 27 || v == 28
}

// IsDecimalString reports whether s is a non-negative base-10 integer.
// Arbitrary precision: only the digits are checked, not the magnitude.
func IsDecimalString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// WellFormed reports whether all structural fields of the forward request
// are format-valid. Signature format is checked separately.
func (r ForwardRequest) WellFormed() bool {
	if !IsHexAddress(r.From) || !IsHexAddress(r.To) {
		return false
	}
	if !strings.HasPrefix(r.Data, "0x") || !hexDataPattern.MatchString(r.Data) {
		return false
	}
	for _, field := range []string{r.Value, r.Gas, r.Nonce, r.Deadline} {
		if !IsDecimalString(field) {
			return false
		}
	}
	return true
}
