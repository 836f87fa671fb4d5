package kpi

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

func ValidCode(code string) bool {
	return slices.Contains(Codes, code)
}

// IsCumulative reports whether approved values are summed into the
// aggregate rather than replacing it.
func IsCumulative(code string) bool {
	return code == CodeHigherBetterSum || code == CodeLowerBetterSum
}

// ValidateValue checks an evolution value against its evaluation code.
// Binary values are free-form; every other code takes a decimal number.
func ValidateValue(value, code string) error {
	if !ValidCode(code) {
		return fmt.Errorf("%w: unknown evaluation code %q", ErrInvalidValue, code)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidValue)
	}
	if code == CodeBinary {
		return nil
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%w: %q is not a number", ErrInvalidValue, value)
	}
	return nil
}

// ApplyApproval folds value into prev. Cumulative codes add (an absent prev
// counts as zero); the others replace prev with value.
func ApplyApproval(prev *string, value, code string) (string, error) {
	if !ValidCode(code) {
		return "", fmt.Errorf("%w: unknown evaluation code %q", ErrInvalidValue, code)
	}
	if !IsCumulative(code) {
		return value, nil
	}

	delta, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: evolution value %q", ErrInvalidValue, value)
	}
	base := decimal.Zero
	if prev != nil && strings.TrimSpace(*prev) != "" {
		base, err = decimal.NewFromString(strings.TrimSpace(*prev))
		if err != nil {
			return "", fmt.Errorf("%w: aggregate value %q", ErrInvalidValue, *prev)
		}
	}
	return base.Add(delta).String(), nil
}

// CorrectionValue is what must be folded when an approved evolution's value
// changes from oldValue to newValue.
func CorrectionValue(oldValue, newValue, code string) (string, error) {
	if !IsCumulative(code) {
		return newValue, nil
	}
	oldDec, err := decimal.NewFromString(strings.TrimSpace(oldValue))
	if err != nil {
		return "", fmt.Errorf("%w: previous value %q", ErrInvalidValue, oldValue)
	}
	newDec, err := decimal.NewFromString(strings.TrimSpace(newValue))
	if err != nil {
		return "", fmt.Errorf("%w: new value %q", ErrInvalidValue, newValue)
	}
	return newDec.Sub(oldDec).String(), nil
}
