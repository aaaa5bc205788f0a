// Package credential provides on-demand decryption of stored node
// credentials. Credential payloads are sealed with AES-256-GCM; the key is
// derived from a master secret with PBKDF2-SHA256. Resolution enforces
// ownership: a credential is only released to the user that owns it.
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/n3n-io/n3n/common"
)

const (
	pbkdf2Iterations = 10000
	keyLength        = 32
)

// keySalt is fixed so every service instance derives the same key from the
// shared master secret. Rotating the master secret re-encrypts all records.
var keySalt = []byte("n3n-credential-v1")

// Record is a stored credential as the resolver sees it.
type Record struct {
	ID         string
	UserID     string
	Name       string
	Type       string
	Revoked    bool
	Ciphertext []byte
}

// Store loads credential records. Implementations return a NOT_FOUND error
// for unknown ids.
type Store interface {
	GetCredential(ctx context.Context, id string) (*Record, error)
}

// Resolver decrypts credentials on demand for node execution.
type Resolver struct {
	store Store
	key   []byte
}

// NewResolver derives the encryption key from the master secret and wires
// the store.
func NewResolver(store Store, masterSecret string) *Resolver {
	return &Resolver{
		store: store,
		key:   pbkdf2.Key([]byte(masterSecret), keySalt, pbkdf2Iterations, keyLength, sha256.New),
	}
}

// Resolve loads, authorises, and decrypts a credential. Cross-user access
// and revoked credentials fail with PERMISSION_DENIED.
func (r *Resolver) Resolve(ctx context.Context, credentialID, userID string) (map[string]interface{}, error) {
	record, err := r.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, common.PermissionDeniedError("credential %s does not belong to user", credentialID)
	}
	if record.Revoked {
		return nil, common.PermissionDeniedError("credential %s has been revoked", credentialID)
	}

	plaintext, err := r.decrypt(record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential %s: %w", credentialID, err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to decode credential %s: %w", credentialID, err)
	}
	return data, nil
}

// Encrypt seals a credential payload for storage. A random nonce is
// generated per call and prepended to the ciphertext.
func (r *Resolver) Encrypt(data map[string]interface{}) ([]byte, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

func (r *Resolver) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aesGCM.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aesGCM.NonceSize()], ciphertext[aesGCM.NonceSize():]
	return aesGCM.Open(nil, nonce, sealed, nil)
}
