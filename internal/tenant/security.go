package tenant

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrInvalidTenantID  = errors.New("invalid tenant id")
	ErrReservedTenantID = errors.New("tenant id is reserved")
	ErrPathEscape       = errors.New("tenant path escapes base directory")
	ErrSymlinkEscape    = errors.New("symlink escape detected")
	ErrShortPepper      = errors.New("auth pepper must be at least 16 characters")
)

// tenantIDPattern is checked against the normalized (lowercased, trimmed) id.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

// reservedTenantIDs can never be registered; they collide with gateway
// directories and route segments.
var reservedTenantIDs = map[string]bool{
	"admin": true, "system": true, "config": true, "backup": true,
	"logs": true, "tenants": true, "api": true, "public": true,
	"private": true, "internal": true, "root": true, "null": true,
	"undefined": true,
}

// forbiddenFragments are rejected before the pattern check so path
// metacharacters never reach the filesystem layer.
var forbiddenFragments = []string{"/", "\\", "..", "~", "$", "%", "\x00", "\r", "\n", "--"}

// ValidateTenantID normalizes and validates a tenant identifier. It returns
// the canonical (lowercased, trimmed) form on success.
func ValidateTenantID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if len(id) < 3 || len(id) > 50 {
		return "", fmt.Errorf("%w: length must be between 3 and 50", ErrInvalidTenantID)
	}
	for _, frag := range forbiddenFragments {
		if strings.Contains(id, frag) {
			return "", fmt.Errorf("%w: contains forbidden sequence %q", ErrInvalidTenantID, frag)
		}
	}
	if !tenantIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: must match %s", ErrInvalidTenantID, tenantIDPattern.String())
	}
	if reservedTenantIDs[id] {
		return "", fmt.Errorf("%w: %q", ErrReservedTenantID, id)
	}
	return id, nil
}

// ResolveTenantDataDir resolves the absolute data directory for a tenant and
// verifies it cannot escape <baseDir>/tenants. In paranoid mode the physical
// (symlink-resolved) path is checked as well; the tenants directory is created
// first so EvalSymlinks has something to walk. Creating the tenant directory
// itself is the caller's job.
func ResolveTenantDataDir(baseDir, tenantID string, paranoid bool) (string, error) {
	id, err := ValidateTenantID(tenantID)
	if err != nil {
		return "", err
	}

	tenantsDir, err := filepath.Abs(filepath.Join(baseDir, "tenants"))
	if err != nil {
		return "", err
	}
	dataDir, err := filepath.Abs(filepath.Join(tenantsDir, id))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(dataDir, tenantsDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, id)
	}

	if paranoid {
		if err := os.MkdirAll(tenantsDir, 0o755); err != nil {
			return "", fmt.Errorf("cannot prepare tenants directory: %w", err)
		}
		physTenants, err := filepath.EvalSymlinks(tenantsDir)
		if err != nil {
			return "", fmt.Errorf("cannot resolve tenants directory: %w", err)
		}
		// The tenant directory may not exist yet; resolve whatever portion
		// does and re-run the containment check on the physical path.
		physData := filepath.Join(physTenants, id)
		if resolved, err := filepath.EvalSymlinks(dataDir); err == nil {
			physData = resolved
		}
		if physData != physTenants && !strings.HasPrefix(physData, physTenants+string(filepath.Separator)) {
			return "", ErrSymlinkEscape
		}
	}

	return dataDir, nil
}

// TokenHasher provides the peppered token hashing primitives. It is
// constructed once at boot from LIBERVIA_AUTH_PEPPER and injected everywhere
// a token is hashed or verified.
type TokenHasher struct {
	pepper []byte
}

func NewTokenHasher(pepper string) (*TokenHasher, error) {
	if len(pepper) < 16 {
		return nil, ErrShortPepper
	}
	return &TokenHasher{pepper: []byte(pepper)}, nil
}

// HMACToken returns HMAC-SHA256(pepper, token) as 64 hex chars. This is the
// hash stored for every key created by this gateway.
func (h *TokenHasher) HMACToken(token string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA256Token returns the legacy unpeppered hash. Kept only so keys minted
// before the pepper rollout keep verifying.
func (h *TokenHasher) SHA256Token(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateToken reports whether token matches storedHash under either the
// HMAC scheme or the legacy SHA-256 scheme. Both comparisons run on raw
// 32-byte digests in constant time; a malformed stored hash triggers a dummy
// compare so the failure path costs the same.
func (h *TokenHasher) ValidateToken(token, storedHash string) bool {
	stored, err := hex.DecodeString(storedHash)
	if err != nil || len(stored) != sha256.Size {
		var dummy [sha256.Size]byte
		subtle.ConstantTimeCompare(dummy[:], dummy[:])
		return false
	}

	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(token))
	if hmac.Equal(mac.Sum(nil), stored) {
		return true
	}

	legacy := sha256.Sum256([]byte(token))
	return hmac.Equal(legacy[:], stored)
}

// SecureCompare is a constant-time string comparison. Differing lengths fail
// after a dummy compare to keep the timing profile flat.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
