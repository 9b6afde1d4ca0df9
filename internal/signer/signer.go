// Package signer computes and checks the integrity signature carried by
// every task. The signature covers the business fields only; bookkeeping
// such as status, attempts and timestamps other than creation may change
// without invalidating it.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"promoter/internal/models"
)

var (
	ErrInvalidSignature = errors.New("invalid task signature")
	ErrUnknownKey       = errors.New("unknown signing key")
)

// Signer signs with the active key and verifies against any known key so
// keys can be rotated without invalidating queued tasks.
type Signer struct {
	activeID string
	keys     map[string][]byte
}

func New(activeID string, keys map[string]string) (*Signer, error) {
	if activeID == "" {
		return nil, errors.New("active key id is required")
	}
	s := &Signer{activeID: activeID, keys: make(map[string][]byte, len(keys))}
	for id, k := range keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("key id %q must not contain '.'", id)
		}
		s.keys[id] = []byte(k)
	}
	if len(s.keys[activeID]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, activeID)
	}
	return s, nil
}

// ActiveKeyID is the key new signatures are made with.
func (s *Signer) ActiveKeyID() string {
	return s.activeID
}

// canonical is the signed view of a task. Field order is fixed by the
// struct, and the payload marshals deterministically.
type canonical struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Platform    string         `json:"platform"`
	ContentID   string         `json:"contentId"`
	OwnerID     string         `json:"ownerId"`
	Payload     models.Payload `json:"payload"`
	Reason      string         `json:"reason"`
	Variant     string         `json:"variant"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   int64          `json:"createdAt"`
}

func canonicalBytes(t *models.Task) ([]byte, error) {
	return json.Marshal(canonical{
		ID:          t.ID,
		Kind:        t.Kind,
		Platform:    t.Platform,
		ContentID:   t.ContentID,
		OwnerID:     t.OwnerID,
		Payload:     t.Payload,
		Reason:      t.Reason,
		Variant:     t.Variant,
		MaxAttempts: t.MaxAttempts,
		CreatedAt:   t.CreatedAt.UTC().Truncate(time.Millisecond).UnixMilli(),
	})
}

func mac(key, msg []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign sets t.Signature to "<keyID>.<hex hmac>" using the active key.
func (s *Signer) Sign(t *models.Task) error {
	msg, err := canonicalBytes(t)
	if err != nil {
		return fmt.Errorf("canonicalize task %s: %w", t.ID, err)
	}
	t.Signature = s.activeID + "." + mac(s.keys[s.activeID], msg)
	return nil
}

// Verify reports whether t.Signature matches its signed fields.
func (s *Signer) Verify(t *models.Task) bool {
	return s.Check(t) == nil
}

// Check is Verify with a reason.
func (s *Signer) Check(t *models.Task) error {
	keyID, sum, ok := strings.Cut(t.Signature, ".")
	if !ok || sum == "" {
		return fmt.Errorf("%w: malformed", ErrInvalidSignature)
	}
	key, known := s.keys[keyID]
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	msg, err := canonicalBytes(t)
	if err != nil {
		return fmt.Errorf("canonicalize task %s: %w", t.ID, err)
	}
	if !hmac.Equal([]byte(sum), []byte(mac(key, msg))) {
		return ErrInvalidSignature
	}
	return nil
}

// IsCurrent reports whether t was signed with the active key.
func (s *Signer) IsCurrent(t *models.Task) bool {
	keyID, _, _ := strings.Cut(t.Signature, ".")
	return keyID == s.activeID
}
