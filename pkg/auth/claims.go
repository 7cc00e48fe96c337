package auth

import "strings"

// IdentityType distinguishes human users from service principals, per
// the shape Azure AD / Entra tokens use.
type IdentityType string

const (
	IdentityUser             IdentityType = "user"
	IdentityServicePrincipal IdentityType = "service_principal"
)

// Identity is the normalized result of validating a bearer token or
// session cookie.
type Identity struct {
	Subject       string
	Type          IdentityType
	Roles         map[string]struct{}
	Permission    Permission
	AuthTimestamp int64
}

// HasRole reports whether the normalized role set contains name.
func (id Identity) HasRole(name string) bool {
	_, ok := id.Roles[strings.ToLower(name)]
	return ok
}

// extractRoles aggregates every vendor-specific role/group/scope claim
// shape into one normalized, lowercased set. Claim values may be a
// single string, a space-delimited scope string, or a string array;
// rolePrefixes (if any) are stripped from URL-shaped claim values
// (e.g. "https://schemas.example.com/roles/admin" -> "admin").
func extractRoles(claims map[string]any, rolePrefixes []string) map[string]struct{} {
	out := make(map[string]struct{})

	addValue := func(v string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return
		}
		for _, prefix := range rolePrefixes {
			if strings.HasPrefix(v, strings.ToLower(prefix)) {
				v = strings.TrimPrefix(v, strings.ToLower(prefix))
				break
			}
		}
		if idx := strings.LastIndex(v, "/"); idx != -1 && strings.Contains(v, "://") {
			v = v[idx+1:]
		}
		if v != "" {
			out[v] = struct{}{}
		}
	}

	addClaim := func(key string, spaceDelimited bool) {
		switch v := claims[key].(type) {
		case string:
			if spaceDelimited {
				for _, part := range strings.Fields(v) {
					addValue(part)
				}
			} else {
				addValue(v)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					addValue(s)
				}
			}
		case []string:
			for _, s := range v {
				addValue(s)
			}
		}
	}

	addClaim("roles", false)
	addClaim("groups", false)
	addClaim("scp", true)
	addClaim("scope", true)

	return out
}

// identityTypeFromClaims applies the idtyp/appid heuristic: a token is
// a service principal's if idtyp=="app", or if an appid claim is
// present at all (some IdPs omit idtyp but still set appid).
func identityTypeFromClaims(claims map[string]any) IdentityType {
	if idtyp, _ := claims["idtyp"].(string); idtyp == "app" {
		return IdentityServicePrincipal
	}
	if appid, ok := claims["appid"]; ok {
		if s, ok := appid.(string); ok && s != "" {
			return IdentityServicePrincipal
		}
	}
	return IdentityUser
}
