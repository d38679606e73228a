// Package credentials stores per-user, per-tool credentials encrypted at rest.
//
// Payloads are JSON-encoded and sealed with a sealer.Sealer before they
// reach the store. The associated data is the (user, tool) pair, so a
// ciphertext copied onto another record fails to open and surfaces as
// ErrCredentialUnavailable.
//
// Put, SetActive and Delete are serialized per (user, tool). Unrelated
// pairs never contend.
package credentials
