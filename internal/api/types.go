// Package api defines the wire types exchanged with the Ruminster API.
package api

// User is the account record returned by login and GET /me.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`

	// RequiresTosAcceptance is set when the account has not yet accepted
	// the latest terms of service version.
	RequiresTosAcceptance bool   `json:"requiresTosAcceptance,omitempty"`
	LatestTosVersion      string `json:"latestTosVersion,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the body returned by POST /auth/login.
// ExpiresIn is the access token lifetime in seconds.
type LoginResponse struct {
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	ExpiresIn             int64  `json:"expiresIn"`
	User                  *User  `json:"user"`
	RequiresTosAcceptance bool   `json:"requiresTosAcceptance"`
	LatestTosVersion      string `json:"latestTosVersion,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh-token.
type RefreshRequest struct {
	UserID       string `json:"userId"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is the body returned by POST /auth/refresh-token.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}
