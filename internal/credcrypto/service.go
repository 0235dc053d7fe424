// Package credcrypto seals payloads at rest under keys derived from an owning
// identity. Every encryption uses a fresh salt and nonce.
package credcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Blob format constants.
const (
	Version   = 1
	Algorithm = "argon2id+chacha20poly1305"

	SaltSize = 16
	KeySize  = chacha20poly1305.KeySize
)

// Upper bounds for KDF parameters read from a blob. A Service configured
// with higher costs accepts up to its own values.
const (
	MaxKDFTime    = 16
	MaxKDFMemory  = 256 * 1024 // KiB
	MaxKDFThreads = 16
)

// DefaultSecretCacheSize is the number of opened secrets kept in memory.
const DefaultSecretCacheSize = 1024

var (
	// ErrIntegrity is returned when a blob fails authentication or its
	// checksum does not match the decrypted plaintext.
	ErrIntegrity = errors.New("encrypted blob failed integrity check")
	// ErrOwnership is returned when a blob is opened by an identity other
	// than the one that sealed it.
	ErrOwnership = errors.New("encrypted blob belongs to another identity")
	// ErrUnsupported is returned for blobs with an unknown version or algorithm.
	ErrUnsupported = errors.New("unsupported blob format")
	// ErrEmptyOwner is returned when no owning identity is given.
	ErrEmptyOwner = errors.New("owner identity is required")
)

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"` // KiB
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams are used unless overridden.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    3,
		Memory:  64 * 1024,
		Threads: 2,
	}
}

// EncryptedBlob is an immutable sealed payload.
type EncryptedBlob struct {
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	KDF        KDFParams `json:"kdf"`
	Ciphertext []byte    `json:"ciphertext"`
	Salt       []byte    `json:"salt"`
	IV         []byte    `json:"iv"`
	Checksum   string    `json:"checksum"`
	Owner      string    `json:"owner"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Service encrypts and decrypts blobs.
type Service struct {
	params KDFParams
	pepper []byte
	rand   func([]byte) (int, error)
	now    func() time.Time
	kdf    func(password, salt []byte, passes, memory uint32, threads uint8, keyLen uint32) []byte

	cacheMu sync.Mutex
	secrets *lru.Cache // owner+sealed text -> plaintext secret
}

// Option configures a Service.
type Option func(*Service)

// WithKDFParams overrides the argon2id parameters for new blobs.
func WithKDFParams(p KDFParams) Option {
	return func(s *Service) { s.params = p }
}

// WithPepper mixes a server-held secret into every key derivation.
func WithPepper(pepper string) Option {
	return func(s *Service) { s.pepper = []byte(pepper) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSecretCacheSize bounds the opened-secret cache. Zero disables it.
func WithSecretCacheSize(n int) Option {
	return func(s *Service) {
		if n <= 0 {
			s.secrets = nil
			return
		}
		s.secrets = lru.New(n)
	}
}

// NewService creates a Service.
func NewService(opts ...Option) *Service {
	s := &Service{
		params:  DefaultKDFParams(),
		rand:    rand.Read,
		now:     time.Now,
		kdf:     argon2.IDKey,
		secrets: lru.New(DefaultSecretCacheSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Encrypt seals v, serialized as JSON, for owner.
func (s *Service) Encrypt(owner string, v any) (*EncryptedBlob, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plaintext: %w", err)
	}
	return s.seal(owner, nil, plaintext)
}

// EncryptBytes seals raw bytes for owner.
func (s *Service) EncryptBytes(owner string, plaintext []byte) (*EncryptedBlob, error) {
	return s.seal(owner, nil, plaintext)
}

// Decrypt opens blob as owner and unmarshals the plaintext into out.
func (s *Service) Decrypt(owner string, blob *EncryptedBlob, out any) error {
	plaintext, err := s.open(owner, nil, blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to unmarshal plaintext: %w", err)
	}
	return nil
}

// DecryptBytes opens blob as owner and returns the raw plaintext.
func (s *Service) DecryptBytes(owner string, blob *EncryptedBlob) ([]byte, error) {
	return s.open(owner, nil, blob)
}

// EncryptBatch seals each item independently.
func (s *Service) EncryptBatch(owner string, items []any) ([]*EncryptedBlob, error) {
	out := make([]*EncryptedBlob, 0, len(items))
	for i, item := range items {
		blob, err := s.Encrypt(owner, item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, blob)
	}
	return out, nil
}

// DecryptBatch opens each blob and returns the raw JSON plaintexts. It fails
// on the first blob that does not open.
func (s *Service) DecryptBatch(owner string, blobs []*EncryptedBlob) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(blobs))
	for i, blob := range blobs {
		plaintext, err := s.open(owner, nil, blob)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, json.RawMessage(plaintext))
	}
	return out, nil
}

func (s *Service) seal(owner string, passphrase, plaintext []byte) (*EncryptedBlob, error) {
	if owner == "" {
		return nil, ErrEmptyOwner
	}

	salt := make([]byte, SaltSize)
	if _, err := s.rand(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := s.rand(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	params := s.params
	aead, err := chacha20poly1305.New(s.deriveKey(owner, passphrase, salt, params))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	sum := sha256.Sum256(plaintext)
	return &EncryptedBlob{
		Version:    Version,
		Algorithm:  Algorithm,
		KDF:        params,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(owner)),
		Salt:       salt,
		IV:         nonce,
		Checksum:   hex.EncodeToString(sum[:]),
		Owner:      owner,
		CreatedAt:  s.now().UTC(),
	}, nil
}

func (s *Service) open(owner string, passphrase []byte, blob *EncryptedBlob) ([]byte, error) {
	if blob == nil {
		return nil, ErrIntegrity
	}
	if blob.Version != Version || blob.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: version %d algorithm %q", ErrUnsupported, blob.Version, blob.Algorithm)
	}
	if owner == "" || subtle.ConstantTimeCompare([]byte(owner), []byte(blob.Owner)) != 1 {
		return nil, ErrOwnership
	}
	if len(blob.Salt) != SaltSize || len(blob.IV) != chacha20poly1305.NonceSize || !s.acceptKDF(blob.KDF) {
		return nil, ErrIntegrity
	}

	aead, err := chacha20poly1305.New(s.deriveKey(owner, passphrase, blob.Salt, blob.KDF))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, blob.IV, blob.Ciphertext, []byte(owner))
	if err != nil {
		return nil, ErrIntegrity
	}

	sum := sha256.Sum256(plaintext)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(blob.Checksum)) != 1 {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// acceptKDF reports whether p is safe to hand to argon2: at least one pass
// and one lane, the minimum memory per lane, and no more cost than the
// configured ceiling.
func (s *Service) acceptKDF(p KDFParams) bool {
	maxTime := max(uint32(MaxKDFTime), s.params.Time)
	maxMemory := max(uint32(MaxKDFMemory), s.params.Memory)
	maxThreads := max(uint8(MaxKDFThreads), s.params.Threads)

	switch {
	case p.Time < 1 || p.Time > maxTime:
		return false
	case p.Threads < 1 || p.Threads > maxThreads:
		return false
	case p.Memory < 8*uint32(p.Threads) || p.Memory > maxMemory:
		return false
	}
	return true
}

// deriveKey runs argon2id over owner, an optional passphrase and the pepper.
// Components are length-prefixed so no two inputs collide.
func (s *Service) deriveKey(owner string, passphrase, salt []byte, p KDFParams) []byte {
	input := make([]byte, 0, len(owner)+len(passphrase)+len(s.pepper)+12)
	for _, part := range [][]byte{[]byte(owner), passphrase, s.pepper} {
		n := len(part)
		input = append(input, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		input = append(input, part...)
	}
	return s.kdf(input, salt, p.Time, p.Memory, p.Threads, KeySize)
}
