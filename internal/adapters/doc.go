// Package adapters provides the generic tool capabilities the broker wires
// from descriptors: OAuth2 code exchange, subprocess and HTTP executors,
// and endpoint-based manual authentication.
package adapters
