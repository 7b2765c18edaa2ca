// Package credential implements one-way password hashing and verification
// using Argon2id with PHC-style encoded hashes.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

const argon2Version = argon2.Version

// Verify refuses stored hashes costing more than these, whatever the
// configured params.
const (
	maxMemoryKiB   = 1 << 20 // 1 GiB
	maxTime        = 16
	maxParallelism = 64
)

var (
	// ErrEmptyPassword is returned when hashing an empty password.
	ErrEmptyPassword = errors.New("password must not be empty")
	// ErrInvalidHash indicates a malformed or unsupported encoded hash.
	ErrInvalidHash = errors.New("invalid argon2id hash")
)

// Params defines the Argon2id cost parameters.
type Params struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	SaltLen     uint32 `json:"salt_len"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultParams returns the production Argon2id parameters.
func DefaultParams() Params {
	return Params{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

func (p Params) normalized() Params {
	if p.Time == 0 {
		p.Time = 1
	}
	if p.Parallelism == 0 {
		p.Parallelism = 1
	}
	// argon2 requires at least 8 KiB per lane.
	if p.MemoryKiB < 8*uint32(p.Parallelism) {
		p.MemoryKiB = 8 * uint32(p.Parallelism)
	}
	if p.SaltLen < 8 {
		p.SaltLen = 16
	}
	if p.KeyLen < 16 {
		p.KeyLen = 32
	}
	return p
}

// Service hashes and verifies passwords. It holds no per-call state and is
// safe for concurrent use.
type Service struct {
	params Params
}

// New returns a Service using params. Zero or undersized fields are raised
// to safe minimums.
func New(params Params) *Service {
	return &Service{params: params.normalized()}
}

// Params returns the effective hashing parameters.
func (s *Service) Params() Params {
	return s.params
}

// Hash derives a salted Argon2id digest of password and returns it encoded as
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<key_b64>.
// Two calls with the same password produce different encodings.
func (s *Service) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	salt := make([]byte, s.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	// Only the derived key is wiped; the caller's password string is
	// immutable and outlives this call.
	key := argon2.IDKey([]byte(password), salt, s.params.Time, s.params.MemoryKiB, s.params.Parallelism, s.params.KeyLen)
	defer memguard.WipeBytes(key)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		s.params.MemoryKiB,
		s.params.Time,
		s.params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. The cost is read from
// encoded, not from this service, so hashes made under earlier settings keep
// verifying. Malformed hashes and hashes above the absolute cost ceilings are
// reported as a mismatch.
func (s *Service) Verify(password, encoded string) bool {
	params, salt, expected, err := decode(encoded)
	if err != nil {
		return false
	}
	if !withinBounds(params) {
		return false
	}

	key := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Parallelism, uint32(len(expected)))
	defer memguard.WipeBytes(key)

	return subtle.ConstantTimeCompare(key, expected) == 1
}

// withinBounds rejects stored hashes too expensive to evaluate.
func withinBounds(got Params) bool {
	if got.MemoryKiB > maxMemoryKiB || got.Time > maxTime || got.Parallelism > maxParallelism {
		return false
	}
	if got.SaltLen < 8 || got.SaltLen > 64 {
		return false
	}
	if got.KeyLen < 16 || got.KeyLen > 128 {
		return false
	}
	return true
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2Version) {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var mem, iter, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}

	return Params{
		Time:        iter,
		MemoryKiB:   mem,
		Parallelism: uint8(par), // #nosec G115 -- bounded above.
		SaltLen:     uint32(len(salt)),
		KeyLen:      uint32(len(key)),
	}, salt, key, nil
}
