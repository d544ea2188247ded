package utils

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLen is the shortest password PasswordStrong accepts.
const MinPasswordLen = 8

// HashPassword returns bcrypt hash using the given cost.
func HashPassword(plain string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword safely compares bcrypt hash and plain password.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// PasswordStrong reports whether plain has at least MinPasswordLen
// characters including an upper case letter, a lower case letter and a digit.
func PasswordStrong(plain string) bool {
	if len([]rune(plain)) < MinPasswordLen {
		return false
	}
	var upper, lower, digit bool
	for _, r := range plain {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}
