package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"auth-engine/internal/config"
	"auth-engine/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedField is an envelope-encrypted value: AES-GCM ciphertext plus
// the KMS-wrapped data key that protects it. Recovery contacts are stored
// this way; only their hashes are queryable.
type EncryptedField struct {
	Ciphertext   []byte
	EncryptedDEK []byte
	KeyID        string
}

type EncryptionManager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // encrypted DEK (base64) -> plaintext key
}

type dataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewEncryptionManager(cfg *config.Config, kmsClient *kms.Client) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !em.config.KMS.Enabled || em.kmsClient == nil {
		return em.generateLocalKey(), nil
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.config.KMS.KeyID,
	}, nil
}

// generateLocalKey stands in for KMS in development. The "wrapped" key is
// just the base64 of the plaintext; never enabled in production.
func (em *EncryptionManager) generateLocalKey() *dataKey {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate local encryption key", zap.Error(err))
	}

	return &dataKey{
		Plaintext:  key,
		Ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		KeyID:      uuid.New().String(),
	}
}

// EncryptField envelope-encrypts a sensitive field.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext string) (*EncryptedField, error) {
	dk, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dk.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	em.keyCache.Store(base64.StdEncoding.EncodeToString(dk.Ciphertext), dk.Plaintext)

	return &EncryptedField{
		Ciphertext:   ciphertext,
		EncryptedDEK: dk.Ciphertext,
		KeyID:        dk.KeyID,
	}, nil
}

// DecryptField reverses EncryptField, unwrapping the data key through KMS
// (or the local dev scheme) with a per-process key cache.
func (em *EncryptionManager) DecryptField(ctx context.Context, field *EncryptedField) (string, error) {
	plainKey, err := em.unwrapDataKey(ctx, field.EncryptedDEK)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(plainKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if len(field.Ciphertext) < gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}
	nonce, sealed := field.Ciphertext[:gcm.NonceSize()], field.Ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

func (em *EncryptionManager) unwrapDataKey(ctx context.Context, encryptedDEK []byte) ([]byte, error) {
	cacheKey := base64.StdEncoding.EncodeToString(encryptedDEK)
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return cached.([]byte), nil
	}

	var plainKey []byte
	if !em.config.KMS.Enabled || em.kmsClient == nil {
		decoded, err := base64.StdEncoding.DecodeString(string(encryptedDEK))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		plainKey = decoded
	} else {
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: encryptedDEK,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt data key: %w", err)
		}
		plainKey = result.Plaintext
	}

	em.keyCache.Store(cacheKey, plainKey)
	return plainKey, nil
}

// ClearCache drops unwrapped data keys from memory.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}
