package session

import (
	"github.com/golang-jwt/jwt/v4"
)

// withExpiry fills a missing expiry from the access token's "exp" claim. The
// signature is not verified: the server is the authority on validity, and the
// claim is only used to refresh ahead of rejection.
func withExpiry(t Tokens) Tokens {
	if !t.ExpiresAt.IsZero() {
		return t
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, &claims); err != nil {
		return t
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t
}
