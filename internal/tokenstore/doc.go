// Package tokenstore provides persistent storage for the credential pair
// (access token, refresh token) and its absolute expiry instant.
//
// Exactly one credential record exists at a time; writing replaces it
// atomically. Supports three storage backends with different security and
// deployment tradeoffs:
//   - File: Local filesystem storage with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Memory: Process-local storage for tests and ephemeral sessions
//
// Expiry is always derived at write time from the server-supplied lifetime.
// Both IsExpired and NeedsRefresh apply the same conservative RefreshMargin,
// so a token is considered stale ahead of its real deadline.
package tokenstore
