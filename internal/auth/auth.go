// Package auth verifies broadcaster identities and service tokens. Owner
// secrets are stored as salted PBKDF2 hashes; service tokens are compared by
// SHA-256 digest in constant time so neither ever sits in memory or logs in
// the clear longer than needed.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"streamhaven/internal/errs"
)

const (
	secretHashSaltLength = 16
	secretHashKeyLength  = 32
	secretHashIterations = 120000
)

// Owner is a registered broadcaster identity.
type Owner struct {
	ID         string
	Name       string
	SecretHash string
}

// Registry holds registered owners in memory. Lookups and writes are safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]Owner
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]Owner)}
}

// Register stores an owner with a freshly hashed secret.
func (r *Registry) Register(id, name, secret string) error {
	if strings.TrimSpace(id) == "" {
		return errs.Validation("owner id is required")
	}
	if len(secret) < 8 {
		return errs.Validation("owner secret must be at least 8 characters")
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.owners[id]; exists {
		return errs.Validation("owner %s already registered", id)
	}
	r.owners[id] = Owner{ID: id, Name: name, SecretHash: hash}
	return nil
}

// Verify checks an owner secret, returning an unauthorized error on any
// mismatch. Unknown owners and wrong secrets are indistinguishable to the
// caller.
func (r *Registry) Verify(id, secret string) error {
	r.mu.RLock()
	owner, ok := r.owners[id]
	r.mu.RUnlock()
	if !ok {
		return errs.Unauthorized("owner credentials rejected")
	}
	if err := VerifySecret(owner.SecretHash, secret); err != nil {
		return errs.Unauthorized("owner credentials rejected")
	}
	return nil
}

// Lookup returns a registered owner by ID.
func (r *Registry) Lookup(id string) (Owner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	return owner, ok
}

// HashSecret derives a salted PBKDF2 hash in the encoded form
// pbkdf2$sha256$<iterations>$<salt>$<key>.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, secretHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, secretHashIterations, secretHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", secretHashIterations, encodedSalt, encodedKey), nil
}

// VerifySecret checks a candidate secret against an encoded hash.
func VerifySecret(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify secret: unsupported hash format")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify secret: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify secret: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify secret: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return errs.Unauthorized("secret mismatch")
	}
	return nil
}

// TokenDigest returns the hex SHA-256 digest of a service token.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// BearerToken extracts the bearer token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// VerifyBearer compares the request's bearer token against the expected
// token digest in constant time.
func VerifyBearer(r *http.Request, expectedDigest string) error {
	token, ok := BearerToken(r)
	if !ok {
		return errs.Unauthorized("missing bearer token")
	}
	digest := TokenDigest(token)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(expectedDigest)) != 1 {
		return errs.Unauthorized("bearer token rejected")
	}
	return nil
}
