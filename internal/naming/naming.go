// Package naming implements the Naming & Token Service (spec.md §4.2):
// deterministic derivation of instance identifiers, orchestrator object
// names, URL paths, and generation of connection tokens.
package naming

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Kind enumerates the orchestrator object kinds an instance owns.
type Kind int

const (
	KindWorkspaceClaim Kind = iota
	KindSharedClaim
	KindWorkload
	KindService
	KindIngress
	KindConfig
	KindBuildStatus
	KindBuildLogs
)

// InstancesPathPrefix is the fixed HTTP path prefix under which every
// instance is routed, both in the public API and in the ingress rule.
const InstancesPathPrefix = "/instances"

// userIDPattern matches what a generated instance name can tolerate as a
// prefix: lowercase alphanumerics and hyphens, per orchestrator naming
// rules (DNS-1123 subdomain labels).
var userIDPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// maxNameLength is the orchestrator's object-name length ceiling (DNS-1123).
const maxNameLength = 63

// suffixLength is "-" + 8 hex chars appended to user_id by InstanceID.
const suffixLength = 9

// ErrInvalidUserID is returned when a user id cannot produce a valid
// instance name under orchestrator naming rules.
type ErrInvalidUserID struct {
	UserID string
	Reason string
}

func (e *ErrInvalidUserID) Error() string {
	return fmt.Sprintf("invalid user_id %q: %s", e.UserID, e.Reason)
}

// InstanceID derives instance_id = "<user_id>-<8 hex>" per spec.md §3.
// Rejects user ids that would produce a name invalid under orchestrator
// naming rules (lowercase alphanumerics, "-", length <= 63 minus suffix).
func InstanceID(userID string) (string, error) {
	if !userIDPattern.MatchString(userID) {
		return "", &ErrInvalidUserID{UserID: userID, Reason: "must be lowercase alphanumerics and hyphens"}
	}
	if len(userID)+suffixLength > maxNameLength {
		return "", &ErrInvalidUserID{UserID: userID, Reason: "too long once the instance suffix is appended"}
	}

	suffix, err := randomHex(8)
	if err != nil {
		return "", fmt.Errorf("generating instance suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s", userID, suffix), nil
}

// AccessToken generates an opaque, URL-safe, alphanumeric-only connection
// token. It must never contain "-": the editor CLI rejects tokens that do.
func AccessToken() (string, error) {
	return randomHex(16)
}

// InstancePath returns the HTTP path an instance is routed under.
func InstancePath(instanceID string) string {
	return InstancesPathPrefix + "/" + instanceID
}

// ObjectName returns the orchestrator object name for the given kind,
// enumerated in spec.md §4.2.
func ObjectName(kind Kind, instanceID, userID string) string {
	switch kind {
	case KindWorkspaceClaim:
		return instanceID + "-workspace"
	case KindSharedClaim:
		return userID + "-shared"
	case KindWorkload:
		return instanceID
	case KindService:
		return instanceID + "-service"
	case KindIngress:
		return instanceID + "-ingress"
	case KindConfig:
		return instanceID + "-config"
	case KindBuildStatus:
		return instanceID + "-build-status"
	case KindBuildLogs:
		return instanceID + "-build-logs"
	default:
		panic(fmt.Sprintf("naming: unknown object kind %d", kind))
	}
}

// randomHex returns n random bytes rendered as lowercase hex, using
// crypto/rand: tokens and identifiers are externally observable and must
// not be predictable.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
