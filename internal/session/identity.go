package session

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// IdentityLength is the length of every identity.
const IdentityLength = 6

var identityFormat = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// ResolveIdentity picks the controller identity: the explicit value, then
// the id or playerId query parameter of controllerURL, then a generated
// token. Supplied values are trimmed and uppercased; one that is not six
// alphanumerics afterwards is skipped.
func ResolveIdentity(explicit, controllerURL string) string {
	if id := normalizeIdentity(explicit); id != "" {
		return id
	}
	if controllerURL != "" {
		if u, err := url.Parse(controllerURL); err == nil {
			q := u.Query()
			for _, key := range []string{"id", "playerId"} {
				if id := normalizeIdentity(q.Get(key)); id != "" {
					return id
				}
			}
		}
	}
	return GenerateIdentity()
}

// GenerateIdentity returns a random 6-character uppercase token taken from
// the tail of a v4 UUID.
func GenerateIdentity() string {
	s := uuid.NewString()
	return strings.ToUpper(s[len(s)-IdentityLength:])
}

// ValidIdentity reports whether id is six uppercase alphanumerics.
func ValidIdentity(id string) bool {
	return identityFormat.MatchString(id)
}

// normalizeIdentity returns "" for values that do not form a valid identity.
func normalizeIdentity(s string) string {
	id := strings.ToUpper(strings.TrimSpace(s))
	if !ValidIdentity(id) {
		return ""
	}
	return id
}
