package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "relaygraph"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	OrgID   string
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// authorizeBearer checks an HS256 bearer token. An empty orgID skips the org
// match, which admin routes rely on.
func authorizeBearer(authHeader, jwtSecret, orgID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if orgID != "" && claims.OrgID != orgID {
		return tokenClaims{}, forbidden("org mismatch")
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
		}
	}
	return claims, nil
}

func bearerFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	// Browsers cannot set headers on a websocket upgrade.
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parts := strings.Split(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sig, signHS256(jwtSecret, parts[0]+"."+parts[1])) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := decodeSegment(parts[1], &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	orgID, _ := payload["org_id"].(string)
	if orgID == "" {
		return tokenClaims{}, unauthorized("missing org_id claim")
	}
	subject, _ := payload["sub"].(string)
	if subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if aud, _ := payload["aud"].(string); aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{OrgID: orgID, Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

// verifyInternalHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and that the RFC 3339 timestamp is within maxSkew of now.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	if delta := now.Sub(ts); delta > maxSkew || -delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}
	expected := hex.EncodeToString(signHS256(secret, timestamp+"\n"+string(body)))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}
