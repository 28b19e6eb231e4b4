package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"auth-engine/internal/config"
	"auth-engine/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher hashes long-lived credentials with argon2id and short-lived
// one-time codes with a peppered sha256. Peppers rotate; verification
// walks current plus retained old versions.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	config        *config.Config
	mu            sync.RWMutex
}

type CodeHash struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	h := &Hasher{
		params: params,
		config: cfg,
	}
	h.rotatePepper()
	return h
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	version := 1
	if h.currentPepper != nil {
		version = h.currentPepper.Version + 1
	}
	h.currentPepper = &Pepper{
		Value:     base64.RawURLEncoding.EncodeToString(pepperBytes),
		CreatedAt: time.Now().UTC(),
		Version:   version,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
}

// StartPepperRotation starts background pepper rotation. Retained old
// peppers keep in-flight code hashes verifiable across a rotation.
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()

			h.mu.Lock()
			if len(h.oldPeppers) > 2 {
				h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
			}
			h.mu.Unlock()
		}
	}()
}

// -------------------- Passwords (argon2id) --------------------

// HashPassword produces a self-describing encoded argon2id hash.
func (h *Hasher) HashPassword(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// VerifyPassword compares a candidate against an encoded argon2id hash in
// constant time.
func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrInvalidHash
	}
	if version != argon2.Version {
		return false, ErrIncompatibleVersion
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

// -------------------- One-time codes (peppered sha256) --------------------

// HashCode hashes a one-time code with a fresh salt and the current pepper.
// Argon2 cost is wasted on six-digit codes with five attempts; the attack
// surface is the attempt counter, not the hash.
func (h *Hasher) HashCode(code string) (*CodeHash, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	sum := codeDigest(code, salt, pepper.Value)
	return &CodeHash{
		Hash:          hex.EncodeToString(sum),
		Salt:          hex.EncodeToString(salt),
		PepperVersion: pepper.Version,
	}, nil
}

// VerifyCode recomputes the peppered digest for the stored pepper version.
func (h *Hasher) VerifyCode(code string, stored *CodeHash) (bool, error) {
	salt, err := hex.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := hex.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	pepper := h.pepperByVersion(stored.PepperVersion)
	if pepper == nil {
		return false, nil // pepper aged out; the code is unverifiable, not wrong
	}

	sum := codeDigest(code, salt, pepper.Value)
	return subtle.ConstantTimeCompare(sum, expected) == 1, nil
}

// DigestToken produces a deterministic, unsalted digest for values that
// must be looked up by hash: backup codes and recovery grant tokens. The
// inputs carry enough entropy that salting buys nothing.
func (h *Hasher) DigestToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (h *Hasher) pepperByVersion(version int) *Pepper {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper
	}
	for _, p := range h.oldPeppers {
		if p.Version == version {
			return p
		}
	}
	return nil
}

func codeDigest(code string, salt []byte, pepper string) []byte {
	mac := sha256.New()
	mac.Write(salt)
	mac.Write([]byte(pepper))
	mac.Write([]byte(code))
	return mac.Sum(nil)
}
