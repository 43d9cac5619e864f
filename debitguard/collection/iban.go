package collection

import (
	"fmt"
	"math/big"
	"strings"
)

// NormalizeIBAN removes spaces and upper-cases iban.
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.Join(strings.Fields(iban), ""))
}

// ValidateIBAN checks length, character set and the ISO 7064 mod-97 check
// digits of a normalized IBAN.
func ValidateIBAN(iban string) error {
	if len(iban) < 15 || len(iban) > 34 {
		return fmt.Errorf("%w: length %d", ErrInvalidIBAN, len(iban))
	}

	rearranged := iban[4:] + iban[:4]

	var digits strings.Builder

	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			fmt.Fprintf(&digits, "%d", r-'A'+10)
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidIBAN, r)
		}
	}

	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok || new(big.Int).Mod(n, big.NewInt(97)).Int64() != 1 {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidIBAN)
	}

	return nil
}
