// ABOUTME: Error taxonomy reported by the engine to its callers
// ABOUTME: Lower-layer sentinels are re-exported so errors.Is works across packages

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/2389/toolbroker/internal/credentials"
	"github.com/2389/toolbroker/internal/permissions"
	"github.com/2389/toolbroker/internal/statetoken"
	"github.com/2389/toolbroker/internal/tools"
)

var (
	// ErrNotFound is returned when a user has no credential for the tool.
	ErrNotFound = credentials.ErrNotFound
	// ErrToolNotFound is returned for unregistered tools.
	ErrToolNotFound = tools.ErrToolNotFound
	// ErrActionNotFound is returned for actions the tool does not declare.
	ErrActionNotFound = permissions.ErrActionNotFound

	// ErrStateNotFound is returned for state tokens that were never issued or were purged.
	ErrStateNotFound = statetoken.ErrNotFound
	// ErrExpired is returned for state tokens presented after their TTL.
	ErrExpired = statetoken.ErrExpired
	// ErrAlreadyConsumed is returned when a state token is replayed.
	ErrAlreadyConsumed = statetoken.ErrAlreadyConsumed

	// ErrNotAuthenticated is returned when the tool has no active credential.
	ErrNotAuthenticated = errors.New("tool not authenticated")
	// ErrActionDisabled is returned when the user disabled the action.
	ErrActionDisabled = errors.New("action disabled")
	// ErrInvalidParameters is returned for bad caller input.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrCredentialUnavailable is returned when a stored credential fails to open.
	ErrCredentialUnavailable = credentials.ErrCredentialUnavailable
	// ErrTimeout is returned when an adapter exceeds its deadline or is cancelled.
	ErrTimeout = errors.New("adapter timed out")

	// ErrBusy is returned when too many executions are already waiting.
	ErrBusy = errors.New("execution queue full")
	// ErrRateLimited is returned when a user exceeds their request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// redacted replaces credential values found in adapter messages.
const redacted = "[REDACTED]"

// minSecretLen keeps short metadata like "bearer" or "oauth2" from being scrubbed out of messages.
const minSecretLen = 8

// metadataFields are credential fields that describe the grant rather than hold a secret.
// Only these are subject to minSecretLen; every other leaf is scrubbed whatever its length.
var metadataFields = map[string]bool{
	"auth_type":        true,
	"token_type":       true,
	"scope":            true,
	"expires_at":       true,
	"expires_in":       true,
	"registered_at":    true,
	"authenticated_at": true,
	"user_id":          true,
}

// AdapterError is an upstream tool failure. Message never contains credential values.
type AdapterError struct {
	Tool    string
	Action  string
	Message string
}

func (e *AdapterError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("adapter %s: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("adapter %s.%s: %s", e.Tool, e.Action, e.Message)
}

// newAdapterError wraps err, scrubbing every credential value from its message.
func newAdapterError(tool, action string, err error, credential map[string]any) *AdapterError {
	return &AdapterError{
		Tool:    tool,
		Action:  action,
		Message: redact(err.Error(), credential),
	}
}

func redact(msg string, credential map[string]any) string {
	var secrets []string
	for k, v := range credential {
		secrets = collectSecrets(secrets, v, metadataFields[k])
	}
	// Longest first so a secret containing another is replaced whole
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	for _, s := range secrets {
		msg = strings.ReplaceAll(msg, s, redacted)
	}
	return msg
}

// collectSecrets appends every leaf value under v. Nested fields are always
// treated as secrets; metadata applies the length floor to a top-level leaf.
func collectSecrets(out []string, v any, metadata bool) []string {
	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			out = collectSecrets(out, child, false)
		}
		return out
	case []any:
		for _, child := range val {
			out = collectSecrets(out, child, false)
		}
		return out
	case []string:
		for _, child := range val {
			out = collectSecrets(out, child, false)
		}
		return out
	case nil, bool:
		return out
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	if s == "" || (metadata && len(s) < minSecretLen) {
		return out
	}
	return append(out, s)
}
