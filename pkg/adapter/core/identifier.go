package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sluicedata/sluice/pkg/errors"
)

// identifierPart matches one dot-separated segment of a safe identifier.
var identifierPart = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SanitizeIdentifier validates a user-supplied identifier (column, relation
// or schema name, possibly schema-qualified with dots) against the safe
// character set. It returns the identifier unchanged when safe, so that
// sanitization is idempotent, and an identifier error otherwise. Every
// identifier that reaches a generated statement must pass through here.
func SanitizeIdentifier(identifier string) (string, error) {
	if identifier == "" {
		return "", errors.New(errors.ErrorTypeIdentifier, "identifier cannot be empty")
	}

	for _, part := range strings.Split(identifier, ".") {
		if !identifierPart.MatchString(part) {
			return "", errors.New(errors.ErrorTypeIdentifier,
				fmt.Sprintf("invalid identifier %q: only alphanumerics, underscore and dot are allowed", identifier)).
				WithDetail("identifier", identifier)
		}
	}
	return identifier, nil
}

// SanitizeIdentifiers sanitizes a list, failing on the first unsafe token.
func SanitizeIdentifiers(identifiers []string) ([]string, error) {
	out := make([]string, len(identifiers))
	for i, id := range identifiers {
		clean, err := SanitizeIdentifier(id)
		if err != nil {
			return nil, err
		}
		out[i] = clean
	}
	return out, nil
}

// QuoteIdentifier quotes each dot-separated segment of a sanitized
// identifier with the backend's quote rune, e.g. `a.b` -> `"a"."b"`.
func QuoteIdentifier(identifier string, quote rune) string {
	parts := strings.Split(identifier, ".")
	for i, p := range parts {
		parts[i] = string(quote) + p + string(quote)
	}
	return strings.Join(parts, ".")
}
