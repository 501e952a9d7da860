package identity

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const anonymousIDPrefix = "$RCAnonymousID:"

var anonymousIDPattern = regexp.MustCompile(`^\$RCAnonymousID:[0-9a-f]{32}$`)

// GenerateAnonymousID returns a fresh anonymous app user id: the anonymous
// prefix followed by 32 lowercase hex characters from a random UUID.
func GenerateAnonymousID() string {
	return anonymousIDPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsGeneratedAnonymousID reports whether id matches the generated anonymous
// pattern. Legacy-format anonymous ids are matched separately against the
// persisted legacy id.
func IsGeneratedAnonymousID(id string) bool {
	return anonymousIDPattern.MatchString(id)
}
