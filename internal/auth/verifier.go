// Package auth verifies bearer tokens presented to the margin service API.
package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates Authorization bearer tokens against a set of trusted
// public keys and a required scope. When constructed with no key file the
// verifier is a no-op (local development).
type Verifier struct {
	keys          []interface{}
	requiredScope string
}

// NewVerifier loads PEM-encoded public keys (or certificates) from keysFile.
// An empty keysFile returns a disabled verifier that accepts every request.
func NewVerifier(keysFile, requiredScope string) (*Verifier, error) {
	v := &Verifier{requiredScope: requiredScope}
	if keysFile == "" {
		return v, nil
	}
	if err := v.loadKeys(keysFile); err != nil {
		return nil, fmt.Errorf("load auth keys: %w", err)
	}
	return v, nil
}

// Enabled reports whether tokens are actually checked.
func (v *Verifier) Enabled() bool { return len(v.keys) > 0 }

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue // skip unknown blocks
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no valid public keys found in %s", path)
	}
	v.keys = keys
	return nil
}

// VerifyRequest checks the Authorization header. Disabled verifiers accept
// everything.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return errors.New("bearer token required")
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) error {
	var (
		token *jwt.Token
		err   error
	)
	// No KID indexing from plain PEM files; try each trusted key.
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if token == nil || !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}
	if v.requiredScope == "" {
		return nil
	}

	if scope, ok := claims["scope"].(string); ok {
		if containsScope(scope, v.requiredScope) {
			return nil
		}
		return errors.New("missing required scope")
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.requiredScope {
				return nil
			}
		}
		return errors.New("missing required scope in roles")
	}
	return errors.New("missing scope/roles")
}

func containsScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}

// Middleware wraps a handler, rejecting unverified requests with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.VerifyRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
