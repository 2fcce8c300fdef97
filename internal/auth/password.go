package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	AlgBcrypt       = "bcrypt"
	AlgBcryptSHA256 = "bcrypt-sha256"
	AlgPBKDF2SHA256 = "pbkdf2-sha256"

	bcryptMaxInput          = 72
	defaultBcryptCost       = 12
	defaultPBKDF2Iterations = 600_000

	bcryptSHA256Tag = "$bcrypt-sha256$"
	pbkdf2Tag       = "$pbkdf2-sha256$"
	argon2Tag       = "$argon2id$"

	selfTestPassword = "lyceum-hasher-self-test"
)

// HasherConfig selects the password hashing chain. Algorithms are tried in order
// and the first one that passes a hash/verify self-test is used for new hashes.
type HasherConfig struct {
	Algorithms       []string
	BcryptCost       int
	PBKDF2Iterations int
}

// DefaultHasherConfig prefers bcrypt, then the bcrypt-sha256 wrapper, then PBKDF2-SHA256.
func DefaultHasherConfig() HasherConfig {
	return HasherConfig{
		Algorithms:       []string{AlgBcrypt, AlgBcryptSHA256, AlgPBKDF2SHA256},
		BcryptCost:       defaultBcryptCost,
		PBKDF2Iterations: defaultPBKDF2Iterations,
	}
}

type hasher interface {
	name() string
	hash(password []byte) (string, error)
	verify(password []byte, encoded string) (bool, error)
	handles(encoded string) bool
}

// CredentialStore hashes and verifies passwords. The zero value has no hasher and
// fails every call with ErrUnavailable.
type CredentialStore struct {
	active    hasher
	verifiers []hasher
}

// NewCredentialStore runs the selection once. The returned store keeps the choice
// for its lifetime; verification dispatches on the stored hash tag instead.
func NewCredentialStore(cfg HasherConfig) (*CredentialStore, error) {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = defaultBcryptCost
	}
	if cfg.PBKDF2Iterations <= 0 {
		cfg.PBKDF2Iterations = defaultPBKDF2Iterations
	}
	known := map[string]hasher{
		AlgBcrypt:       bcryptHasher{cost: cfg.BcryptCost},
		AlgBcryptSHA256: bcryptSHA256Hasher{cost: cfg.BcryptCost},
		AlgPBKDF2SHA256: pbkdf2Hasher{iterations: cfg.PBKDF2Iterations},
	}
	cs := &CredentialStore{
		verifiers: []hasher{known[AlgBcrypt], known[AlgBcryptSHA256], known[AlgPBKDF2SHA256], argon2Verifier{}},
	}
	for _, alg := range cfg.Algorithms {
		h, ok := known[strings.ToLower(strings.TrimSpace(alg))]
		if !ok {
			continue
		}
		if selfTest(h) {
			cs.active = h
			return cs, nil
		}
	}
	return &CredentialStore{}, fmt.Errorf("%w: no password hasher available", ErrUnavailable)
}

func selfTest(h hasher) bool {
	encoded, err := h.hash([]byte(selfTestPassword))
	if err != nil {
		return false
	}
	ok, err := h.verify([]byte(selfTestPassword), encoded)
	return err == nil && ok
}

// Algorithm names the hasher used for new hashes.
func (c *CredentialStore) Algorithm() string {
	if c == nil || c.active == nil {
		return ""
	}
	return c.active.name()
}

// Hash returns an encoded hash tagged with its algorithm.
func (c *CredentialStore) Hash(password string) (string, error) {
	if c == nil || c.active == nil {
		return "", fmt.Errorf("%w: no password hasher available", ErrUnavailable)
	}
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	return c.active.hash([]byte(password))
}

// Verify compares password with encoded. Mismatches return (false, nil).
func (c *CredentialStore) Verify(password, encoded string) (bool, error) {
	if c == nil || c.active == nil {
		return false, fmt.Errorf("%w: no password hasher available", ErrUnavailable)
	}
	if password == "" || encoded == "" {
		return false, nil
	}
	for _, v := range c.verifiers {
		if v.handles(encoded) {
			return v.verify([]byte(password), encoded)
		}
	}
	return false, nil
}

// NeedsRehash reports whether encoded was produced by something other than the
// active hasher and its current parameters.
func (c *CredentialStore) NeedsRehash(encoded string) bool {
	if c == nil || c.active == nil {
		return false
	}
	if !c.active.handles(encoded) {
		return true
	}
	switch h := c.active.(type) {
	case bcryptHasher:
		cost, err := bcrypt.Cost([]byte(encoded))
		return err != nil || cost != h.cost
	case bcryptSHA256Hasher:
		cost, err := bcrypt.Cost([]byte(strings.TrimPrefix(encoded, bcryptSHA256Tag)))
		return err != nil || cost != h.cost
	case pbkdf2Hasher:
		iter, _, _, err := parsePBKDF2(encoded)
		return err != nil || iter != h.iterations
	}
	return false
}

// bcryptInput pre-hashes inputs bcrypt would truncate.
func bcryptInput(password []byte) []byte {
	if len(password) <= bcryptMaxInput {
		return password
	}
	return sha256Base64(password)
}

func sha256Base64(b []byte) []byte {
	sum := sha256.Sum256(b)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

func compareBcrypt(encoded string, input []byte) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encoded), input)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: malformed bcrypt hash", ErrInvalidInput)
	}
}

type bcryptHasher struct{ cost int }

func (bcryptHasher) name() string { return AlgBcrypt }

func (h bcryptHasher) hash(password []byte) (string, error) {
	out, err := bcrypt.GenerateFromPassword(bcryptInput(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (bcryptHasher) verify(password []byte, encoded string) (bool, error) {
	return compareBcrypt(encoded, bcryptInput(password))
}

func (bcryptHasher) handles(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

// bcryptSHA256Hasher always pre-hashes, so every input length is treated alike.
type bcryptSHA256Hasher struct{ cost int }

func (bcryptSHA256Hasher) name() string { return AlgBcryptSHA256 }

func (h bcryptSHA256Hasher) hash(password []byte) (string, error) {
	out, err := bcrypt.GenerateFromPassword(sha256Base64(password), h.cost)
	if err != nil {
		return "", err
	}
	return bcryptSHA256Tag + string(out), nil
}

func (bcryptSHA256Hasher) verify(password []byte, encoded string) (bool, error) {
	return compareBcrypt(strings.TrimPrefix(encoded, bcryptSHA256Tag), sha256Base64(password))
}

func (bcryptSHA256Hasher) handles(encoded string) bool {
	return strings.HasPrefix(encoded, bcryptSHA256Tag)
}

type pbkdf2Hasher struct{ iterations int }

func (pbkdf2Hasher) name() string { return AlgPBKDF2SHA256 }

func (h pbkdf2Hasher) hash(password []byte) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key(password, salt, h.iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("%s%d$%s$%s",
		pbkdf2Tag,
		h.iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (pbkdf2Hasher) verify(password []byte, encoded string) (bool, error) {
	iter, salt, want, err := parsePBKDF2(encoded)
	if err != nil {
		return false, err
	}
	got := pbkdf2.Key(password, salt, iter, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (pbkdf2Hasher) handles(encoded string) bool {
	return strings.HasPrefix(encoded, pbkdf2Tag)
}

func parsePBKDF2(encoded string) (int, []byte, []byte, error) {
	parts := strings.Split(strings.TrimPrefix(encoded, pbkdf2Tag), "$")
	if len(parts) != 3 {
		return 0, nil, nil, fmt.Errorf("%w: malformed pbkdf2 hash", ErrInvalidInput)
	}
	iter, err := strconv.Atoi(parts[0])
	if err != nil || iter <= 0 {
		return 0, nil, nil, fmt.Errorf("%w: malformed pbkdf2 iterations", ErrInvalidInput)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: malformed pbkdf2 salt", ErrInvalidInput)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(key) == 0 {
		return 0, nil, nil, fmt.Errorf("%w: malformed pbkdf2 key", ErrInvalidInput)
	}
	return iter, salt, key, nil
}

// argon2Verifier accepts hashes written by earlier releases; it never hashes.
type argon2Verifier struct{}

func (argon2Verifier) name() string { return "argon2id" }

func (argon2Verifier) hash([]byte) (string, error) {
	return "", fmt.Errorf("%w: argon2id is verify-only", ErrUnavailable)
}

func (argon2Verifier) verify(password []byte, encoded string) (bool, error) {
	// $argon2id$v=19$m=65536,t=2,p=1$<salt>$<hash>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("%w: malformed argon2id hash", ErrInvalidInput)
	}
	var (
		memory      uint32
		iterations  uint32
		parallelism uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("%w: malformed argon2id params", ErrInvalidInput)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: malformed argon2id salt", ErrInvalidInput)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("%w: malformed argon2id key", ErrInvalidInput)
	}
	got := argon2.IDKey(password, salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (argon2Verifier) handles(encoded string) bool {
	return strings.HasPrefix(encoded, argon2Tag)
}
