// Package secrets encrypts platform credentials at rest and hashes
// user passwords.
//
// Credentials use XChaCha20-Poly1305 with a key derived from the master key
// via HKDF-SHA256. The owning connection id is bound in as additional data,
// so a ciphertext copied onto another connection row fails to decrypt.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// ciphertext layout: version byte || 24-byte nonce || sealed payload
const (
	versionV1   = 0x01
	hkdfInfoV1  = "vedfolnir/credentials/v1"
	minEnvelope = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

// Box seals and opens platform credentials.
type Box struct {
	key []byte
}

// NewBox derives the credential key from a 32-byte master key.
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("op=secrets.NewBox: master key must be %d bytes: %w", chacha20poly1305.KeySize, domain.ErrInvalidArgument)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfoV1))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("op=secrets.NewBox: derive key: %w", err)
	}
	return &Box{key: key}, nil
}

// Seal encrypts plaintext bound to the given connection id.
func (b *Box) Seal(plaintext []byte, connectionID string) ([]byte, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("op=secrets.Seal: empty connection id: %w", domain.ErrInvalidArgument)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.Seal: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("op=secrets.Seal: nonce: %w", err)
	}
	out := make([]byte, 0, minEnvelope+len(plaintext))
	out = append(out, versionV1)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, []byte(connectionID))
	return out, nil
}

// Open decrypts a sealed credential. The connection id must match the one
// used to seal it.
func (b *Box) Open(envelope []byte, connectionID string) ([]byte, error) {
	if len(envelope) < minEnvelope {
		return nil, fmt.Errorf("op=secrets.Open: envelope too short: %w", domain.ErrInvalidArgument)
	}
	if envelope[0] != versionV1 {
		return nil, fmt.Errorf("op=secrets.Open: unsupported version %d: %w", envelope[0], domain.ErrInvalidArgument)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.Open: %w", err)
	}
	nonce := envelope[1 : 1+chacha20poly1305.NonceSizeX]
	sealed := envelope[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(connectionID))
	if err != nil {
		return nil, fmt.Errorf("op=secrets.Open: decrypt: %w", domain.ErrUnauthorized)
	}
	return plaintext, nil
}

// SealString seals a string credential, returning nil for an empty value so
// optional credentials stay NULL in storage.
func (b *Box) SealString(s, connectionID string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return b.Seal([]byte(s), connectionID)
}

// OpenString opens an optional credential, mapping nil to the empty string.
func (b *Box) OpenString(envelope []byte, connectionID string) (string, error) {
	if len(envelope) == 0 {
		return "", nil
	}
	pt, err := b.Open(envelope, connectionID)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Argon2Params defines parameters for Argon2id password hashing
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// DefaultArgon2Params returns the standard hashing parameters.
func DefaultArgon2Params() Argon2Params { return defaultArgon2Params }

// HashPassword creates an Argon2id hash of the password
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifyPassword verifies a password against its Argon2id hash
func VerifyPassword(password, encodedHash string) bool {
	// Expected format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std for salt/hash)
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	// Parse numeric params
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	// Decode salt and hash
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	// Clamp parallelism to uint8 range to avoid overflow
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	keyLen := defaultArgon2Params.KeyLen
	actualHash := argon2.IDKey([]byte(password), salt, iters64, mem64, par, keyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
