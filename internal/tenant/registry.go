package tenant

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrTenantExists      = errors.New("tenant already exists")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrTenantSuspended   = errors.New("tenant is suspended")
	ErrTenantDeleted     = errors.New("tenant is deleted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRole       = errors.New("role must be public or tenant_admin")
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyRevoked        = errors.New("key already revoked")
	ErrRegistryClosed    = errors.New("registry is closed")
)

// registryFile is the on-disk shape of <baseDir>/config/tenants.json.
type registryFile struct {
	Version   int       `json:"version"`
	Tenants   []*Tenant `json:"tenants"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuthContext is the result of a successful token validation.
type AuthContext struct {
	Role     Role   `json:"role"`
	TenantID string `json:"tenantId"`
	KeyID    string `json:"keyId"`
}

// CreatedKey carries the plaintext token back to the caller exactly once.
type CreatedKey struct {
	KeyID     string    `json:"keyId"`
	Role      Role      `json:"role"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// RegisterInput is the payload accepted by Register.
type RegisterInput struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Quotas          *Quotas           `json:"quotas,omitempty"`
	Features        *Features         `json:"features,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	WithLegacyToken bool              `json:"withLegacyToken,omitempty"`
}

// UpdateInput is the partial update accepted by Update. Nil fields are left
// untouched; Metadata is merged key by key.
type UpdateInput struct {
	Name     *string           `json:"name,omitempty"`
	Quotas   *Quotas           `json:"quotas,omitempty"`
	Features *Features         `json:"features,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// persistReq is one queued write of the registry file. done is nil for
// fire-and-forget persists.
type persistReq struct {
	done chan error
}

// Registry is the durable tenant catalog. All mutations go through a single
// background writer so concurrent persists, including the fire-and-forget
// lastUsedAt updates, can never interleave a torn write.
type Registry struct {
	baseDir string
	path    string
	hasher  *TokenHasher

	mu      sync.RWMutex
	tenants map[string]*Tenant

	queue   chan persistReq
	drained chan struct{}
	closed  atomic.Bool
}

// NewRegistry loads (or initializes) the catalog under baseDir and starts the
// persist writer. A malformed registry file is a boot failure.
func NewRegistry(baseDir string, hasher *TokenHasher) (*Registry, error) {
	r := &Registry{
		baseDir: baseDir,
		path:    filepath.Join(baseDir, "config", "tenants.json"),
		hasher:  hasher,
		tenants: make(map[string]*Tenant),
		queue:   make(chan persistReq, 64),
		drained: make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	go r.writeLoop()
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read tenant registry: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("malformed tenant registry %s: %w", r.path, err)
	}
	for _, t := range file.Tenants {
		r.tenants[t.ID] = t
	}
	return nil
}

// writeLoop drains the persist queue one request at a time. Every write runs
// after the previous one completed, success or failure.
func (r *Registry) writeLoop() {
	defer close(r.drained)
	for req := range r.queue {
		err := r.writeFile()
		if req.done != nil {
			req.done <- err
		} else if err != nil {
			// Fire-and-forget path: swallow, request handling must not crash
			// on an observational persist.
			log.Error().Err(err).Msg("async registry persist failed")
		}
	}
}

// writeFile snapshots the catalog and writes it atomically: tmp then rename.
func (r *Registry) writeFile() error {
	r.mu.RLock()
	file := registryFile{Version: 1, UpdatedAt: time.Now().UTC()}
	file.Tenants = make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		file.Tenants = append(file.Tenants, t.clone())
	}
	r.mu.RUnlock()

	sort.Slice(file.Tenants, func(i, j int) bool { return file.Tenants[i].ID < file.Tenants[j].ID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// persist waits for the write to complete and returns its error.
func (r *Registry) persist() error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	done := make(chan error, 1)
	r.queue <- persistReq{done: done}
	return <-done
}

// persistAsync schedules a write without waiting. When the queue is
// saturated the update is dropped: everything persisted this way is
// observational (lastUsedAt) and will be rewritten by the next sync persist.
func (r *Registry) persistAsync() {
	if r.closed.Load() {
		return
	}
	select {
	case r.queue <- persistReq{}:
	default:
		log.Debug().Msg("registry persist queue saturated, dropping async update")
	}
}

// Close drains pending writes and stops the writer. The registry rejects
// further persists afterwards.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	close(r.queue)
	<-r.drained
}

// GetBaseDir returns the gateway base directory.
func (r *Registry) GetBaseDir() string { return r.baseDir }

// GetDataDir resolves the data directory for a known tenant.
func (r *Registry) GetDataDir(id string) (string, error) {
	if _, err := r.Get(id); err != nil {
		return "", err
	}
	return ResolveTenantDataDir(r.baseDir, id, false)
}

// Register validates, creates the tenant directory, stores the config and
// persists the catalog.
func (r *Registry) Register(input RegisterInput) (*Tenant, error) {
	id, err := ValidateTenantID(input.ID)
	if err != nil {
		return nil, err
	}

	dataDir, err := ResolveTenantDataDir(r.baseDir, id, true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:        id,
		Name:      input.Name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Quotas:    DefaultQuotas(),
		Features:  DefaultFeatures(),
		Metadata:  input.Metadata,
		Keys:      []AuthKey{},
	}
	if input.Quotas != nil {
		t.Quotas = *input.Quotas
	}
	if input.Features != nil {
		t.Features = *input.Features
	}
	if input.WithLegacyToken {
		tok, err := generateToken()
		if err != nil {
			return nil, err
		}
		t.APIToken = tok
	}

	r.mu.Lock()
	if _, exists := r.tenants[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTenantExists, id)
	}
	r.tenants[id] = t
	r.mu.Unlock()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		r.mu.Lock()
		delete(r.tenants, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("cannot create tenant directory: %w", err)
	}

	if err := r.persist(); err != nil {
		return nil, err
	}
	log.Info().Str("tenant_id", id).Msg("tenant registered")
	return t.clone(), nil
}

// Get returns a copy of the tenant record, including soft-deleted ones.
func (r *Registry) Get(id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return t.clone(), nil
}

// List returns all tenants, skipping soft-deleted ones unless asked.
func (r *Registry) List(includeDeleted bool) []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		if !includeDeleted && t.Status == StatusDeleted {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActive returns active tenants only.
func (r *Registry) ListActive() []*Tenant {
	all := r.List(false)
	out := all[:0]
	for _, t := range all {
		if t.Status == StatusActive {
			out = append(out, t)
		}
	}
	return out
}

// Exists reports whether a non-deleted record exists.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	return ok && t.Status != StatusDeleted
}

// IsActive reports whether the tenant exists and is active.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	return ok && t.Status == StatusActive
}

// Update merges the partial input into an existing record.
func (r *Registry) Update(id string, input UpdateInput) (*Tenant, error) {
	r.mu.Lock()
	t, ok := r.tenants[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if input.Name != nil {
		t.Name = *input.Name
	}
	if input.Quotas != nil {
		t.Quotas = *input.Quotas
	}
	if input.Features != nil {
		t.Features = *input.Features
	}
	if input.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(input.Metadata))
		}
		for k, v := range input.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = time.Now().UTC()
	updated := t.clone()
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return nil, err
	}
	return updated, nil
}

// Suspend transitions active -> suspended.
func (r *Registry) Suspend(id string) error {
	return r.transition(id, StatusActive, StatusSuspended)
}

// Resume transitions suspended -> active.
func (r *Registry) Resume(id string) error {
	return r.transition(id, StatusSuspended, StatusActive)
}

func (r *Registry) transition(id string, from, to Status) error {
	r.mu.Lock()
	t, ok := r.tenants[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if t.Status != from {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return err
	}
	log.Info().Str("tenant_id", id).Str("status", string(to)).Msg("tenant status changed")
	return nil
}

// Remove soft-deletes the tenant. Data on disk is retained for audit.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	t, ok := r.tenants[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if t.Status == StatusDeleted {
		r.mu.Unlock()
		return fmt.Errorf("%w: already deleted", ErrInvalidTransition)
	}
	t.Status = StatusDeleted
	t.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	return r.persist()
}

// CreateKey mints a new key for the tenant. The plaintext token is returned
// here and nowhere else; only its peppered hash is stored.
func (r *Registry) CreateKey(id string, role Role, description string) (*CreatedKey, error) {
	if role != RolePublic && role != RoleTenantAdmin {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidRole, role)
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := AuthKey{
		KeyID:       uuid.NewString(),
		Role:        role,
		TokenHash:   r.hasher.HMACToken(token),
		Status:      KeyActive,
		CreatedAt:   now,
		Description: description,
	}

	r.mu.Lock()
	t, ok := r.tenants[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	t.Keys = append(t.Keys, key)
	t.UpdatedAt = now
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return nil, err
	}
	log.Info().Str("tenant_id", id).Str("key_id", key.KeyID).Str("role", string(role)).Msg("tenant key created")
	return &CreatedKey{KeyID: key.KeyID, Role: role, Token: token, CreatedAt: now}, nil
}

// ListKeys returns the tenant's keys with token hashes redacted.
func (r *Registry) ListKeys(id string) ([]AuthKey, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	keys := make([]AuthKey, len(t.Keys))
	copy(keys, t.Keys)
	for i := range keys {
		keys[i].TokenHash = ""
	}
	return keys, nil
}

// RevokeKey marks a key revoked. Revoking twice is an error.
func (r *Registry) RevokeKey(id, keyID string) error {
	r.mu.Lock()
	t, ok := r.tenants[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	var found *AuthKey
	for i := range t.Keys {
		if t.Keys[i].KeyID == keyID {
			found = &t.Keys[i]
			break
		}
	}
	if found == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if found.Status == KeyRevoked {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	found.Status = KeyRevoked
	t.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	return r.persist()
}

// RotateKey mints a fresh key for the role without touching existing ones.
// Revocation of the old keys is a separate, explicit step.
func (r *Registry) RotateKey(id string, role Role) (*CreatedKey, error) {
	return r.CreateKey(id, role, "rotated "+time.Now().UTC().Format(time.RFC3339))
}

// ValidateToken checks a bearer token against the tenant's active keys, then
// against the legacy apiToken. A key match updates lastUsedAt and schedules a
// fire-and-forget persist.
func (r *Registry) ValidateToken(id, token string) *AuthContext {
	r.mu.Lock()
	t, ok := r.tenants[id]
	if !ok || t.Status == StatusDeleted {
		r.mu.Unlock()
		return nil
	}
	for i := range t.Keys {
		key := &t.Keys[i]
		if key.Status != KeyActive {
			continue
		}
		if r.hasher.ValidateToken(token, key.TokenHash) {
			now := time.Now().UTC()
			key.LastUsedAt = &now
			ctx := &AuthContext{Role: key.Role, TenantID: id, KeyID: key.KeyID}
			r.mu.Unlock()
			r.persistAsync()
			return ctx
		}
	}
	legacy := t.APIToken
	r.mu.Unlock()

	if legacy != "" && SecureCompare(token, legacy) {
		return &AuthContext{Role: RolePublic, TenantID: id, KeyID: "legacy"}
	}
	return nil
}

// FindAuthContextByToken scans all tenants for a token match. Used when the
// tenant is unknown at auth time (e.g. global key lookups fell through).
func (r *Registry) FindAuthContextByToken(token string) *AuthContext {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		if ctx := r.ValidateToken(id, token); ctx != nil {
			return ctx
		}
	}
	return nil
}

// HasCredentials reports whether the tenant has any active key or a legacy
// token. Tenants without either run in dev mode: public routes skip auth.
func (r *Registry) HasCredentials(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return false
	}
	if t.APIToken != "" {
		return true
	}
	for i := range t.Keys {
		if t.Keys[i].Status == KeyActive {
			return true
		}
	}
	return false
}

// generateToken returns a 32-byte URL-safe random token.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cannot generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
