// Package tokensource coordinates access token renewal for the Ruminster API.
//
// The Coordinator guarantees at most one outstanding refresh network call at
// any time: concurrent callers that find the stored token expired share a
// single in-flight refresh and receive identical outcomes. Successful
// refreshes are persisted through the token store before any caller observes
// the new token; an unrecoverable refresh clears all local credentials.
//
// The server's refresh endpoint expects a user identifier alongside the
// refresh token. The identifier is extracted from the refresh token itself
// through an injectable IdentifierFunc, keeping the coordinator decoupled
// from the issuing server's token format.
//
// Coordinator implements oauth2.TokenSource, so it can back an
// oauth2.Transport or any other consumer of the standard interface.
package tokensource
