package domain

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	dErrors "quickex/pkg/domain-errors"
)

// Username is a normalized alias: NFKC, case-folded, [a-z0-9_], 3..32 chars,
// starting with a letter or digit. Construct with ParseUsername.
type Username string

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{2,31}$`)

var folder = cases.Fold()

// NormalizeUsername applies NFKC and case folding without validating the result.
func NormalizeUsername(raw string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(raw)))
}

// ParseUsername normalizes raw and validates the result.
func ParseUsername(raw string) (Username, error) {
	if strings.TrimSpace(raw) == "" {
		return "", dErrors.New(dErrors.CodeInvalidFormat, "username is required")
	}
	n := NormalizeUsername(raw)
	if !usernamePattern.MatchString(n) {
		return "", dErrors.New(dErrors.CodeInvalidFormat,
			"username must be 3-32 characters of a-z, 0-9 or _ and start with a letter or digit")
	}
	return Username(n), nil
}

// LooksLikeUsername reports whether raw normalizes to a valid username.
func LooksLikeUsername(raw string) bool {
	_, err := ParseUsername(raw)
	return err == nil
}

func (u Username) String() string {
	return string(u)
}
