// Package securecache is a local key/value cache whose entries are
// encrypted with AES-GCM under a key that rotates every epoch.
//
// It mirrors sensitive per-user config (recipient groups, integration
// hints) so reads avoid a round trip to the settings store. Entries are
// stored as "epoch:base64(nonce):base64(ciphertext)". An entry is only
// readable during the epoch it was written in and the one after it;
// after that its key is never derived again, so the ciphertext is dead.
// Rotation is the expiry mechanism: there is no TTL field and no sweep.
//
// Key derivation is PBKDF2 over "userID:epoch" with a fixed salt and a
// low iteration count. It is tuned for cheap rotation and protects
// against casual inspection of the local store, not against an attacker
// with the user id and CPU time.
package securecache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultEpochWidth is the rotation window.
	DefaultEpochWidth = 5 * time.Minute

	// kdfIterations and kdfSalt are fixed on purpose; see package doc.
	kdfIterations = 1000
	kdfSalt       = "postern-secure-cache-v1"

	keySize   = 32
	nonceSize = 12
)

// Storage is the local persistent store behind the cache. Concurrent
// writers to the same key are last-write-wins.
type Storage interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithEpochWidth overrides the rotation window.
func WithEpochWidth(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.width = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache reads and writes encrypted entries in a Storage.
type Cache struct {
	storage Storage
	width   time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a cache over storage.
func New(storage Storage, opts ...Option) *Cache {
	c := &Cache{
		storage: storage,
		width:   DefaultEpochWidth,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Epoch returns the current epoch number: floor(now / width).
func (c *Cache) Epoch() int64 {
	return c.now().UnixMilli() / c.width.Milliseconds()
}

// DeriveKey returns the AES-256 key for userID in the given epoch.
func DeriveKey(userID string, epoch int64) []byte {
	pass := userID + ":" + strconv.FormatInt(epoch, 10)
	return pbkdf2.Key([]byte(pass), []byte(kdfSalt), kdfIterations, keySize, sha256.New)
}

// Write encrypts the JSON encoding of value for the current epoch and
// stores it under key.
func (c *Cache) Write(key string, value any, userID string) error {
	plain, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	epoch := c.Epoch()
	gcm, err := newGCM(DeriveKey(userID, epoch))
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plain, nil)

	entry := strconv.FormatInt(epoch, 10) + ":" +
		base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(ct)

	if err := c.storage.SetItem(key, entry); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Read decrypts the entry under key into v. It reports false when the
// entry is missing, expired, corrupt or sealed for another user; none
// of these are errors.
func (c *Cache) Read(key, userID string, v any) bool {
	raw, ok, err := c.storage.GetItem(key)
	if err != nil {
		c.logger.Debug("secure cache read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}

	epoch, nonce, ct, ok := parseEntry(raw)
	if !ok {
		return false
	}

	current := c.Epoch()
	if epoch != current && epoch != current-1 {
		c.logger.Debug("secure cache entry expired",
			"key", key, "entry_epoch", epoch, "current_epoch", current)
		return false
	}

	// The stored epoch, not the current one, selects the key.
	gcm, err := newGCM(DeriveKey(userID, epoch))
	if err != nil {
		return false
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return false
	}
	return true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func parseEntry(raw string) (epoch int64, nonce, ct []byte, ok bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return 0, nil, nil, false
	}
	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, nil, nil, false
	}
	nonce, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSize {
		return 0, nil, nil, false
	}
	ct, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, nil, nil, false
	}
	return epoch, nonce, ct, true
}
