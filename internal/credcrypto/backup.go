package credcrypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyPassphrase is returned when a backup is created or restored
// without a passphrase.
var ErrEmptyPassphrase = errors.New("backup passphrase is required")

// Backup is a collection of per-item blobs sealed again under a key derived
// from the owner and a user passphrase.
type Backup struct {
	Items     int            `json:"items"`
	Sealed    *EncryptedBlob `json:"sealed"`
	CreatedAt time.Time      `json:"createdAt"`
}

// CreateBackup seals every item under the owner key, then seals the whole
// collection under a separately salted owner+passphrase key.
func (s *Service) CreateBackup(owner, passphrase string, items []any) (*Backup, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	blobs, err := s.EncryptBatch(owner, items)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup items: %w", err)
	}
	collection, err := json.Marshal(blobs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup items: %w", err)
	}
	sealed, err := s.seal(owner, []byte(passphrase), collection)
	if err != nil {
		return nil, err
	}
	return &Backup{Items: len(blobs), Sealed: sealed, CreatedAt: sealed.CreatedAt}, nil
}

// RestoreBackup reverses CreateBackup and returns each item's JSON plaintext.
func (s *Service) RestoreBackup(owner, passphrase string, b *Backup) ([]json.RawMessage, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if b == nil {
		return nil, ErrIntegrity
	}
	collection, err := s.open(owner, []byte(passphrase), b.Sealed)
	if err != nil {
		return nil, err
	}
	var blobs []*EncryptedBlob
	if err := json.Unmarshal(collection, &blobs); err != nil {
		return nil, ErrIntegrity
	}
	if len(blobs) != b.Items {
		return nil, ErrIntegrity
	}
	return s.DecryptBatch(owner, blobs)
}

// SealSecret seals a short secret string for owner and returns a compact
// text form suitable for a database column.
func (s *Service) SealSecret(owner, secret string) (string, error) {
	blob, err := s.EncryptBytes(owner, []byte(secret))
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sealed secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// OpenSecret reverses SealSecret. Opened secrets are cached per owner and
// sealed text, so repeated lookups of a stored webhook skip the KDF.
func (s *Service) OpenSecret(owner, sealed string) (string, error) {
	key := owner + "\x00" + sealed
	if secret, ok := s.cachedSecret(key); ok {
		return secret, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrIntegrity
	}
	var blob EncryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return "", ErrIntegrity
	}
	plaintext, err := s.DecryptBytes(owner, &blob)
	if err != nil {
		return "", err
	}
	secret := string(plaintext)
	s.cacheSecret(key, secret)
	return secret, nil
}

func (s *Service) cachedSecret(key string) (string, bool) {
	if s.secrets == nil {
		return "", false
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	v, ok := s.secrets.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (s *Service) cacheSecret(key, secret string) {
	if s.secrets == nil {
		return
	}
	s.cacheMu.Lock()
	s.secrets.Add(key, secret)
	s.cacheMu.Unlock()
}
