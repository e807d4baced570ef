package domain

import (
	"regexp"
	"strings"

	dErrors "quickex/pkg/domain-errors"
)

// LinkToken identifies a generated payment-request link. Opaque beyond its charset.
type LinkToken string

var linkTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,128}$`)

// ParseLinkToken validates a link token. Tokens are case sensitive.
func ParseLinkToken(raw string) (LinkToken, error) {
	s := strings.TrimSpace(raw)
	if !linkTokenPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidFormat, "link token must be 6-128 characters of A-Z, a-z, 0-9, _ or -")
	}
	return LinkToken(s), nil
}

func (t LinkToken) String() string {
	return string(t)
}
