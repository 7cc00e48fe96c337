package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/hvorchestrator/pkg/metrics"
)

// TokenConfig controls signature, issuer, audience, and drift checks
// for bearer tokens issued by the upstream IdP.
type TokenConfig struct {
	Issuer       string
	Audiences    []string
	RolePrefixes []string
	MaxAge       time.Duration // clamps iat drift; zero disables the check
	Roles        RoleMapping
}

// Validator verifies bearer tokens against a JWKS cache.
type Validator struct {
	jwks *JWKSCache
	cfg  TokenConfig
}

// NewValidator builds a Validator backed by jwks.
func NewValidator(jwks *JWKSCache, cfg TokenConfig) *Validator {
	return &Validator{jwks: jwks, cfg: cfg}
}

// ValidateToken verifies signature, issuer, audience, and expiration,
// then extracts a normalized Identity.
func (v *Validator) ValidateToken(tokenString string) (id *Identity, err error) {
	defer func() {
		outcome := "valid"
		if err != nil {
			outcome = "invalid"
		}
		metrics.AuthTokenValidationsTotal.WithLabelValues(outcome).Inc()
	}()

	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return v.jwks.Key(kid)
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}

	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrTokenInvalid)
	}

	if v.cfg.Issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != v.cfg.Issuer {
			return nil, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, iss)
		}
	}

	if len(v.cfg.Audiences) > 0 && !audienceMatches(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience not accepted", ErrTokenInvalid)
	}

	if v.cfg.MaxAge > 0 {
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
			if time.Since(iat.Time) > v.cfg.MaxAge {
				return nil, fmt.Errorf("%w: token iat exceeds max age %s", ErrTokenInvalid, v.cfg.MaxAge)
			}
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}

	roleSet := map[string]any(claims)
	roles := extractRoles(roleSet, v.cfg.RolePrefixes)
	permission, _ := PermissionsForRoles(roles, v.cfg.Roles)

	var iat int64
	if t, err := claims.GetIssuedAt(); err == nil && t != nil {
		iat = t.Unix()
	}

	return &Identity{
		Subject:       sub,
		Type:          identityTypeFromClaims(roleSet),
		Roles:         roles,
		Permission:    permission,
		AuthTimestamp: iat,
	}, nil
}

// audienceMatches accepts the claim's "aud" value (either a single
// string or a JSON array of strings) against the configured accept list.
func audienceMatches(aud any, accepted []string) bool {
	match := func(s string) bool {
		for _, a := range accepted {
			if s == a {
				return true
			}
		}
		return false
	}

	switch v := aud.(type) {
	case string:
		return match(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && match(s) {
				return true
			}
		}
	}
	return false
}
