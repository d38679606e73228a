// Package tools holds tool descriptors and the registry of tool capabilities.
//
// A Descriptor is static metadata (auth type, actions, parameter schemas)
// loaded from a YAML or TOML file. A Tool pairs a descriptor with the
// capabilities the engine calls through fixed interfaces:
//
//   - Adapter: executes actions (always required)
//   - CodeExchanger: OAuth2 authorization URL and code exchange (oauth2 tools)
//   - ManualAuthenticator: zero-interaction authentication (manual tools)
//
// The Registry is filled at startup and only read afterwards.
package tools
