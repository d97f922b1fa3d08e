// Package auth holds the global_admin credential store. Global keys are
// never per-tenant: they live in <baseDir>/config/global.json and optionally
// a single legacy admin token from the environment.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libervia/gateway/internal/tenant"
	"github.com/rs/zerolog/log"
)

// GlobalKey is one keyed global_admin credential. Like tenant keys, only the
// hash is stored.
type GlobalKey struct {
	KeyID       string    `json:"keyId"`
	TokenHash   string    `json:"tokenHash"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	Description string    `json:"description,omitempty"`
}

type globalFile struct {
	Keys       []GlobalKey `json:"keys"`
	AdminToken string      `json:"adminToken,omitempty"`
}

// Global validates global_admin bearer tokens.
type Global struct {
	hasher      *tenant.TokenHasher
	keys        []GlobalKey
	legacyToken string
}

// LoadGlobal reads <baseDir>/config/global.json when present and merges in
// the legacy env token (GATEWAY_ADMIN_TOKEN). A missing file just means no
// keyed entries.
func LoadGlobal(baseDir, legacyToken string, hasher *tenant.TokenHasher) (*Global, error) {
	g := &Global{hasher: hasher, legacyToken: legacyToken}

	path := filepath.Join(baseDir, "config", "global.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("cannot read global config: %w", err)
	}
	var file globalFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("malformed global config %s: %w", path, err)
	}
	g.keys = file.Keys
	if file.AdminToken != "" && g.legacyToken == "" {
		g.legacyToken = file.AdminToken
	}
	log.Info().Int("keys", len(g.keys)).Bool("legacy_token", g.legacyToken != "").Msg("global admin credentials loaded")
	return g, nil
}

// Validate checks a bearer token against the keyed entries (HMAC first,
// legacy SHA-256 fallback) and then against the legacy plaintext token.
func (g *Global) Validate(token string) (*tenant.AuthContext, bool) {
	for i := range g.keys {
		key := &g.keys[i]
		if key.Status != string(tenant.KeyActive) {
			continue
		}
		if g.hasher.ValidateToken(token, key.TokenHash) {
			return &tenant.AuthContext{Role: tenant.RoleGlobalAdmin, KeyID: key.KeyID}, true
		}
	}
	if g.legacyToken != "" && tenant.SecureCompare(token, g.legacyToken) {
		return &tenant.AuthContext{Role: tenant.RoleGlobalAdmin, KeyID: "legacy"}, true
	}
	return nil, false
}
