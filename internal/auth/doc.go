// Package auth authenticates callers of the wagate control API.
//
// A single shared secret, auth.api_key, protects the API. Callers present it
// as a bearer token either directly:
//
//	Authorization: Bearer <api_key>
//
// or as an HS256 JWT signed with it, which lets operators hand out
// expiring, attributable credentials without sharing the key:
//
//	token, err := NewJWTVerifier([]byte(apiKey)).Generate("billing-job", 24*time.Hour)
//
// Tokens must carry iss "wagate", a sub and an exp. When no api_key is
// configured the middleware admits every request.
package auth
