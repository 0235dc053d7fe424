package credcrypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

type credential struct {
	Type    string            `json:"type"`
	Issuer  string            `json:"issuer"`
	Claims  map[string]string `json:"claims"`
	Expires int64             `json:"expires"`
}

func newTestService(opts ...Option) *Service {
	opts = append([]Option{WithKDFParams(KDFParams{Time: 1, Memory: 64, Threads: 1})}, opts...)
	return NewService(opts...)
}

func sampleCredential() credential {
	return credential{
		Type:    "VerifiableCredential",
		Issuer:  "did:web:issuer.example",
		Claims:  map[string]string{"name": "Ada", "role": "admin"},
		Expires: 1893456000,
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestService()
	in := sampleCredential()

	blob, err := s.Encrypt("did:key:alice", in)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if blob.Version != Version || blob.Algorithm != Algorithm || blob.Owner != "did:key:alice" {
		t.Errorf("Unexpected blob header: %+v", blob)
	}

	var out credential
	if err := s.Decrypt("did:key:alice", blob, &out); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("Round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecryptWrongOwner(t *testing.T) {
	s := newTestService()
	blob, err := s.Encrypt("did:key:alice", sampleCredential())
	if err != nil {
		t.Fatal(err)
	}

	var out credential
	if err := s.Decrypt("did:key:mallory", blob, &out); !errors.Is(err, ErrOwnership) {
		t.Errorf("Expected ErrOwnership, got %v", err)
	}
}

func TestDecryptRelabelledOwnerFailsIntegrity(t *testing.T) {
	s := newTestService()
	blob, err := s.Encrypt("did:key:alice", sampleCredential())
	if err != nil {
		t.Fatal(err)
	}
	blob.Owner = "did:key:mallory"

	var out credential
	if err := s.Decrypt("did:key:mallory", blob, &out); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity for relabelled blob, got %v", err)
	}
}

func TestTamperedBlobFailsIntegrity(t *testing.T) {
	s := newTestService()
	tampers := map[string]func(*EncryptedBlob){
		"ciphertext": func(b *EncryptedBlob) { b.Ciphertext[0] ^= 0x01 },
		"last byte":  func(b *EncryptedBlob) { b.Ciphertext[len(b.Ciphertext)-1] ^= 0x80 },
		"salt":       func(b *EncryptedBlob) { b.Salt[3] ^= 0x10 },
		"iv":         func(b *EncryptedBlob) { b.IV[0] ^= 0xff },
		"checksum": func(b *EncryptedBlob) {
			c := []byte(b.Checksum)
			if c[0] == '0' {
				c[0] = '1'
			} else {
				c[0] = '0'
			}
			b.Checksum = string(c)
		},
		"truncated": func(b *EncryptedBlob) { b.IV = b.IV[:4] },
	}
	for name, tamper := range tampers {
		t.Run(name, func(t *testing.T) {
			blob, err := s.Encrypt("did:key:alice", sampleCredential())
			if err != nil {
				t.Fatal(err)
			}
			tamper(blob)

			var out credential
			if err := s.Decrypt("did:key:alice", blob, &out); !errors.Is(err, ErrIntegrity) {
				t.Errorf("Expected ErrIntegrity, got %v", err)
			}
		})
	}
}

func TestUntrustedKDFParamsRejected(t *testing.T) {
	s := newTestService()
	tests := []struct {
		name string
		kdf  KDFParams
	}{
		{"zero time", KDFParams{Time: 0, Memory: 64, Threads: 1}},
		{"zero threads", KDFParams{Time: 1, Memory: 64, Threads: 0}},
		{"memory below lane minimum", KDFParams{Time: 1, Memory: 8, Threads: 4}},
		{"huge memory", KDFParams{Time: 1, Memory: 1 << 31, Threads: 1}},
		{"huge time", KDFParams{Time: 1 << 30, Memory: 64, Threads: 1}},
		{"too many threads", KDFParams{Time: 1, Memory: 64 * 255, Threads: 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := s.Encrypt("did:key:alice", sampleCredential())
			if err != nil {
				t.Fatal(err)
			}
			blob.KDF = tt.kdf

			var out credential
			if err := s.Decrypt("did:key:alice", blob, &out); !errors.Is(err, ErrIntegrity) {
				t.Errorf("Expected ErrIntegrity, got %v", err)
			}
		})
	}
}

func TestConfiguredKDFCostAboveCeilingStillOpens(t *testing.T) {
	s := NewService(WithKDFParams(KDFParams{Time: MaxKDFTime + 1, Memory: 64, Threads: 1}))
	blob, err := s.Encrypt("did:key:alice", sampleCredential())
	if err != nil {
		t.Fatal(err)
	}
	var out credential
	if err := s.Decrypt("did:key:alice", blob, &out); err != nil {
		t.Errorf("Expected blob sealed with configured cost to open, got %v", err)
	}
}

func TestFreshSaltAndIVPerEncryption(t *testing.T) {
	s := newTestService()
	a, err := s.Encrypt("did:key:alice", "same")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Encrypt("did:key:alice", "same")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.Salt, b.Salt) {
		t.Error("Expected distinct salts")
	}
	if bytes.Equal(a.IV, b.IV) {
		t.Error("Expected distinct IVs")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("Expected distinct ciphertexts")
	}
}

func TestUnsupportedVersion(t *testing.T) {
	s := newTestService()
	blob, err := s.Encrypt("did:key:alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	blob.Version = 99

	if _, err := s.DecryptBytes("did:key:alice", blob); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
}

func TestPepperIsPartOfKey(t *testing.T) {
	sealer := newTestService(WithPepper("server-secret"))
	blob, err := sealer.Encrypt("did:key:alice", "payload")
	if err != nil {
		t.Fatal(err)
	}

	other := newTestService(WithPepper("different"))
	if _, err := other.DecryptBytes("did:key:alice", blob); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity with the wrong pepper, got %v", err)
	}
	if _, err := sealer.DecryptBytes("did:key:alice", blob); err != nil {
		t.Errorf("Expected same pepper to open blob, got %v", err)
	}
}

func TestBlobSurvivesJSON(t *testing.T) {
	s := newTestService()
	blob, err := s.Encrypt("did:key:alice", sampleCredential())
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(blob)
	if err != nil {
		t.Fatal(err)
	}
	var decoded EncryptedBlob
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	var out credential
	if err := s.Decrypt("did:key:alice", &decoded, &out); err != nil {
		t.Fatalf("Decrypt after JSON transit failed: %v", err)
	}
}

func TestEmptyOwnerRejected(t *testing.T) {
	s := newTestService()
	if _, err := s.Encrypt("", "x"); !errors.Is(err, ErrEmptyOwner) {
		t.Errorf("Expected ErrEmptyOwner, got %v", err)
	}
}

func TestBatch(t *testing.T) {
	s := newTestService()
	items := []any{"one", map[string]int{"two": 2}, []int{3}}

	blobs, err := s.EncryptBatch("did:key:alice", items)
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 3 {
		t.Fatalf("Expected 3 blobs, got %d", len(blobs))
	}

	raw, err := s.DecryptBatch("did:key:alice", blobs)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[0]) != `"one"` || string(raw[1]) != `{"two":2}` || string(raw[2]) != `[3]` {
		t.Errorf("Unexpected batch plaintexts: %s %s %s", raw[0], raw[1], raw[2])
	}

	blobs[1].Ciphertext[0] ^= 1
	if _, err := s.DecryptBatch("did:key:alice", blobs); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Expected batch to fail closed, got %v", err)
	}
}
