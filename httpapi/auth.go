package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"wgrouterd/wgerr"
)

const tokenTTL = 12 * time.Hour

// argon2Params are fixed rather than PHC-string-encoded: the stored
// hash is "<saltB64>:<hashB64>", both argon2id with these parameters.
var argon2Params = struct {
	time, memory uint32
	threads      uint8
	keyLen       uint32
}{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

// hashPassword returns the stored-hash form of password, for the init
// wizard's password-set step.
func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", wgerr.Wrap(wgerr.External, "generate password salt", err)
	}
	sum := argon2.IDKey([]byte(password), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, argon2Params.keyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(sum), nil
}

// verifyPassword reports whether password matches stored, a hash
// produced by hashPassword.
func verifyPassword(stored, password string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, argon2Params.keyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// issueToken signs a short-lived HS256 JWT identifying clientID.
func (s *Server) issueToken(clientID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.jwtKey)
}

// verifyToken parses and validates an HS256 JWT issued by issueToken.
func (s *Server) verifyToken(raw string) error {
	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return s.jwtKey, nil
	})
	if err != nil || !parsed.Valid {
		return wgerr.New(wgerr.Forbidden, "invalid or expired token")
	}
	return nil
}

// requireAuth gates next behind a valid bearer token, unless the
// running config has password auth disabled (spec.md §4.8).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ConfigStore.Get().Agent.Web.Password.Enabled {
			next(w, r)
			return
		}
		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			writeError(w, wgerr.New(wgerr.Forbidden, "missing bearer token"))
			return
		}
		if err := s.verifyToken(token); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}
