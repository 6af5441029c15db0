// Package pii implements field-level encryption for personally identifiable
// data: AES-256-GCM under keys derived with HKDF from a master key, plus
// deterministic HMAC search hashes for equality lookups.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	Algorithm = "aes-256-gcm"

	keySize   = 32
	saltSize  = 16
	ivSize    = 12
	tagSize   = 16
	minMaster = 32

	searchSalt = "lendpath/search-hash/v1"

	defaultCacheCapacity = 1024
	defaultCacheTTL      = 10 * time.Minute
)

var (
	ErrInvalidMasterKey = errors.New("pii: invalid master key")
	ErrEncryptionFailed = errors.New("pii: encryption failed")
	ErrDecryptionFailed = errors.New("pii: decryption failed")
	ErrUnknownKey       = errors.New("pii: unknown key id")
)

// EncryptedField is the persisted form of one encrypted value. All binary
// members are standard base64.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	Tag        string `json:"tag"`
	Algorithm  string `json:"algorithm"`
	Purpose    string `json:"purpose"`
	KeyID      string `json:"keyId"`
}

// KeyManager encrypts, decrypts and hashes values under the active master key.
// Retired master keys stay available for decryption and search after rotation.
type KeyManager struct {
	mu      sync.RWMutex
	active  string
	keyring map[string][]byte
	order   []string // newest first

	cache *keyCache
	rand  io.Reader
}

// Option configures a KeyManager.
type Option func(*KeyManager) error

// WithCache bounds the derived-key cache.
func WithCache(capacity int, ttl time.Duration) Option {
	return func(km *KeyManager) error {
		km.cache = newKeyCache(capacity, ttl, km.cache.now)
		return nil
	}
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(km *KeyManager) error {
		if now != nil {
			km.cache.now = now
		}
		return nil
	}
}

// WithRandom replaces the entropy source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(km *KeyManager) error {
		if r != nil {
			km.rand = r
		}
		return nil
	}
}

// NewKeyManager builds a manager around the given master key.
func NewKeyManager(master []byte, opts ...Option) (*KeyManager, error) {
	if len(master) < minMaster {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidMasterKey, minMaster, len(master))
	}
	km := &KeyManager{
		keyring: make(map[string][]byte),
		cache:   newKeyCache(defaultCacheCapacity, defaultCacheTTL, time.Now),
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		if err := opt(km); err != nil {
			return nil, err
		}
	}
	km.install(master)
	return km, nil
}

// ParseMasterKey accepts a 64-character hex key, base64 or a raw string of at
// least 32 bytes.
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMasterKey)
	}
	if len(raw) == 2*keySize {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) >= minMaster {
		return b, nil
	}
	if len(raw) >= minMaster {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("%w: need at least %d bytes", ErrInvalidMasterKey, minMaster)
}

// KeyIDFor is the public identifier of a master key.
func KeyIDFor(master []byte) string {
	sum := sha256.Sum256(master)
	return "k" + hex.EncodeToString(sum[:8])
}

func (km *KeyManager) install(master []byte) string {
	id := KeyIDFor(master)
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, ok := km.keyring[id]; !ok {
		km.keyring[id] = append([]byte(nil), master...)
	}
	order := []string{id}
	for _, existing := range km.order {
		if existing != id {
			order = append(order, existing)
		}
	}
	km.order = order
	km.active = id
	return id
}

// ActiveKeyID returns the id of the key new encryptions use.
func (km *KeyManager) ActiveKeyID() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.active
}

// RotateMasterKey makes newKey the active key and clears the derived-key
// cache. Existing ciphertexts are not re-encrypted.
func (km *KeyManager) RotateMasterKey(newKey []byte) (string, error) {
	if len(newKey) < minMaster {
		return "", fmt.Errorf("%w: need at least %d bytes", ErrInvalidMasterKey, minMaster)
	}
	id := km.install(newKey)
	km.cache.Clear()
	return id, nil
}

func (km *KeyManager) master(id string) ([]byte, string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if id == "" {
		id = km.active
	}
	key, ok := km.keyring[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	return key, id, nil
}

// derive runs HKDF for (master, salt, info). Keys are cached only when
// cached is set: Encrypt draws a fresh salt each call, so its keys never
// repeat, while Decrypt of a stored field and search hashing do.
func (km *KeyManager) derive(keyID string, master, salt []byte, info string, cached bool) ([]byte, error) {
	cacheKey := keyID + "|" + info + "|" + hex.EncodeToString(salt)
	if cached {
		if key, ok := km.cache.Get(cacheKey); ok {
			return key, nil
		}
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, err
	}
	if cached {
		km.cache.Put(cacheKey, key)
	}
	return key, nil
}

// Encrypt seals plaintext under a key derived for purpose.
func (km *KeyManager) Encrypt(plaintext, purpose string) (*EncryptedField, error) {
	master, keyID, err := km.master("")
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(km.rand, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.ReadFull(km.rand, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	key, err := km.derive(keyID, master, salt, purpose, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), []byte(purpose))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return &EncryptedField{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Algorithm:  Algorithm,
		Purpose:    purpose,
		KeyID:      keyID,
	}, nil
}

// Decrypt opens field. The purpose must match the one used to encrypt.
func (km *KeyManager) Decrypt(field *EncryptedField, purpose string) (string, error) {
	if field == nil {
		return "", fmt.Errorf("%w: nil field", ErrDecryptionFailed)
	}
	if field.Algorithm != "" && field.Algorithm != Algorithm {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrDecryptionFailed, field.Algorithm)
	}
	master, keyID, err := km.master(field.KeyID)
	if err != nil {
		return "", err
	}
	ct, err1 := base64.StdEncoding.DecodeString(field.Ciphertext)
	iv, err2 := base64.StdEncoding.DecodeString(field.IV)
	salt, err3 := base64.StdEncoding.DecodeString(field.Salt)
	tag, err4 := base64.StdEncoding.DecodeString(field.Tag)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return "", fmt.Errorf("%w: malformed field: %v", ErrDecryptionFailed, err)
	}
	if len(iv) != ivSize || len(tag) != tagSize || len(salt) != saltSize {
		return "", fmt.Errorf("%w: malformed field", ErrDecryptionFailed)
	}
	key, err := km.derive(keyID, master, salt, purpose, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), []byte(purpose))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SearchHash is a deterministic HMAC-SHA256 of the normalized value under the
// active key, hex encoded.
func (km *KeyManager) SearchHash(plaintext, purpose string) string {
	master, keyID, err := km.master("")
	if err != nil {
		return ""
	}
	return km.searchHash(keyID, master, plaintext, purpose)
}

// SearchHashCandidates returns the hash under every known key, active first,
// so lookups still match rows written before a rotation.
func (km *KeyManager) SearchHashCandidates(plaintext, purpose string) []string {
	km.mu.RLock()
	order := append([]string(nil), km.order...)
	km.mu.RUnlock()

	out := make([]string, 0, len(order))
	for _, id := range order {
		master, _, err := km.master(id)
		if err != nil {
			continue
		}
		out = append(out, km.searchHash(id, master, plaintext, purpose))
	}
	return out
}

func (km *KeyManager) searchHash(keyID string, master []byte, plaintext, purpose string) string {
	key, err := km.derive(keyID, master, []byte(searchSalt), "search:"+purpose, true)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(normalize(plaintext)))
	return hex.EncodeToString(mac.Sum(nil))
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// CacheLen reports the number of cached derived keys.
func (km *KeyManager) CacheLen() int { return km.cache.Len() }

// SweepCache drops expired derived keys.
func (km *KeyManager) SweepCache() int { return km.cache.Sweep() }
