// Package securemsg implements share-by-link secure messages. The body
// is sealed with the vault and stored in object storage; the random id
// in the link is the only credential needed to read it back.
package securemsg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/postern/internal/objstore"
	"github.com/nugget/postern/internal/vault"
)

// prefix groups secure messages in object storage.
const prefix = "secure-messages/"

// qrSize is the rendered QR edge length in pixels.
const qrSize = 256

var (
	// ErrNotFound is returned for unknown, deleted, or expired messages.
	ErrNotFound = errors.New("secure message not found")
	// ErrForbidden is returned when a non-owner tries to delete.
	ErrForbidden = errors.New("secure message belongs to another user")
)

// Sealer encrypts and decrypts bodies. *vault.Vault implements it.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Decrypt(blob string) string
}

// Created is returned by Create.
type Created struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	QR        string    `json:"qr"` // base64 PNG of URL
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Message is a decrypted secure message.
type Message struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// record is the stored form; Body is a vault blob.
type record struct {
	Owner     string    `json:"owner"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Service creates and opens secure messages.
type Service struct {
	store   objstore.Store
	sealer  Sealer
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a secure message service. Links are built as
// baseURL + "/v1/secure-messages/" + id.
func New(store objstore.Store, sealer Sealer, baseURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		sealer:  sealer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

// Create seals body for owner and stores it. A zero ttl never expires.
// Unlike settings writes there is no plaintext fallback: an unconfigured
// vault fails the request.
func (s *Service) Create(ctx context.Context, owner, subject, body string, ttl time.Duration) (*Created, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if body == "" {
		return nil, errors.New("body is required")
	}

	sealed, err := s.sealer.Seal(body)
	if err != nil {
		if errors.Is(err, vault.ErrNotConfigured) {
			s.logger.Warn("secure message refused, vault not configured",
				"security_event", "secure_message_unsealed", "user", owner)
		}
		return nil, fmt.Errorf("seal body: %w", err)
	}

	rec := record{Owner: owner, Subject: subject, Body: sealed, CreatedAt: s.now().UTC()}
	if ttl > 0 {
		rec.ExpiresAt = rec.CreatedAt.Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode secure message: %w", err)
	}

	id := uuid.New().String()
	if err := s.store.Put(ctx, prefix+id+".json", data); err != nil {
		return nil, fmt.Errorf("store secure message: %w", err)
	}

	url := s.baseURL + "/v1/secure-messages/" + id
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}

	s.logger.Info("secure message created", "id", id, "user", owner, "expires_at", rec.ExpiresAt)
	return &Created{
		ID:        id,
		URL:       url,
		QR:        base64.StdEncoding.EncodeToString(png),
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Get opens a message by id. Expired messages are removed and reported
// as not found.
func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		if err := s.store.Delete(ctx, prefix+id+".json"); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			s.logger.Warn("failed to remove expired secure message", "id", id, "error", err)
		}
		return nil, ErrNotFound
	}

	body := s.sealer.Decrypt(rec.Body)
	if body == rec.Body {
		// Decrypt returns its input on failure; a stored body is never
		// plaintext, so this is a key mismatch.
		s.logger.Warn("secure message could not be decrypted", "id", id)
		return nil, fmt.Errorf("decrypt secure message %s", id)
	}

	return &Message{
		ID:        id,
		Owner:     rec.Owner,
		Subject:   rec.Subject,
		Body:      body,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Delete removes a message. Only its owner may delete it.
func (s *Service) Delete(ctx context.Context, user, id string) error {
	rec, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Owner != user {
		return ErrForbidden
	}
	if err := s.store.Delete(ctx, prefix+id+".json"); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete secure message: %w", err)
	}
	s.logger.Info("secure message deleted", "id", id, "user", user)
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	data, err := s.store.Get(ctx, prefix+id+".json")
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load secure message: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode secure message %s: %w", id, err)
	}
	return &rec, nil
}
