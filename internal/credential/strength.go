package credential

import (
	"errors"
	"unicode"
)

// ErrWeakPassword wraps the failing Reason.
var ErrWeakPassword = errors.New("weak password")

const (
	MinLength = 8
	// MaxBytes is the bcrypt input limit.
	MaxBytes = 72

	ReasonTooShort         = "too short"
	ReasonMissingUppercase = "missing uppercase"
	ReasonMissingLowercase = "missing lowercase"
	ReasonMissingDigit     = "missing digit"
	ReasonTooLong          = "too long"
)

type Strength struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidateStrength checks the rules in order and reports the first one that fails.
func ValidateStrength(pw string) Strength {
	if len([]rune(pw)) < MinLength {
		return Strength{Reason: ReasonTooShort}
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	switch {
	case !upper:
		return Strength{Reason: ReasonMissingUppercase}
	case !lower:
		return Strength{Reason: ReasonMissingLowercase}
	case !digit:
		return Strength{Reason: ReasonMissingDigit}
	case len(pw) > MaxBytes:
		return Strength{Reason: ReasonTooLong}
	}
	return Strength{Valid: true}
}
