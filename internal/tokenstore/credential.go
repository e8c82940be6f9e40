package tokenstore

import "time"

// Credential is the persisted token pair with its absolute expiry instant.
// ExpiresAt is derived at save time from the server-supplied lifetime and is
// never recomputed from the token contents.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}
