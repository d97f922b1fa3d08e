package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/libervia/gateway/internal/canonical"
)

var (
	ErrConfigMissing    = errors.New("backup pepper is not configured")
	ErrHashMismatch     = errors.New("hash mismatch")
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// Crypto computes and verifies the hash/signature chain of a snapshot:
// per-entity dataHash, contentHash over the canonical metadata+hashes, and
// an HMAC signature of the contentHash under the backup pepper.
type Crypto struct {
	pepper []byte
}

// NewCrypto builds the engine. An empty pepper is tolerated at construction
// so verification can report it as an ordinary error instead of crashing the
// process; signing always requires it.
func NewCrypto(pepper string) *Crypto {
	c := &Crypto{}
	if pepper != "" {
		c.pepper = []byte(pepper)
	}
	return c
}

// DataHash hashes one entity's data array canonically.
func (c *Crypto) DataHash(data []map[string]any) (string, error) {
	if data == nil {
		data = []map[string]any{}
	}
	return canonical.Hash(data)
}

// ContentHash covers the metadata plus each entity's {entityType, dataHash}
// pair; the entity payloads themselves are bound through their dataHash.
func (c *Crypto) ContentHash(meta Metadata, entities []Entity) (string, error) {
	summaries := make([]map[string]any, len(entities))
	for i, e := range entities {
		summaries[i] = map[string]any{
			"entityType": string(e.EntityType),
			"dataHash":   e.DataHash,
		}
	}
	return canonical.Hash(map[string]any{
		"metadata": meta,
		"entities": summaries,
	})
}

// Sign returns HMAC-SHA256(pepper, contentHash) as hex.
func (c *Crypto) Sign(contentHash string) (string, error) {
	if c.pepper == nil {
		return "", ErrConfigMissing
	}
	mac := hmac.New(sha256.New, c.pepper)
	mac.Write([]byte(contentHash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify re-derives every hash and the signature, collecting all failures
// instead of stopping at the first. An empty slice means the snapshot is
// intact under the current pepper.
func (c *Crypto) Verify(s *Snapshot) []error {
	var errs []error

	if err := validateShape(s); err != nil {
		return []error{err}
	}

	for i := range s.Entities {
		e := &s.Entities[i]
		hash, err := c.DataHash(e.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("entity %s: cannot compute dataHash: %w", e.EntityType, err))
			continue
		}
		if hash != e.DataHash {
			errs = append(errs, fmt.Errorf("%w: entity %s dataHash", ErrHashMismatch, e.EntityType))
		}
	}

	contentHash, err := c.ContentHash(s.Metadata, s.Entities)
	if err != nil {
		errs = append(errs, fmt.Errorf("cannot compute contentHash: %w", err))
	} else if contentHash != s.ContentHash {
		errs = append(errs, fmt.Errorf("%w: contentHash", ErrHashMismatch))
	}

	if c.pepper == nil {
		errs = append(errs, ErrConfigMissing)
		return errs
	}
	mac := hmac.New(sha256.New, c.pepper)
	mac.Write([]byte(s.ContentHash))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(s.Signature)) {
		errs = append(errs, ErrSignatureInvalid)
	}

	return errs
}
