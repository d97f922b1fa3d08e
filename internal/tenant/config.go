package tenant

import "time"

// Status is the tenant lifecycle state. Transitions: active<->suspended,
// active/suspended->deleted (soft delete, data retained on disk).
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Role is an RBAC role. public and tenant_admin keys live on the tenant;
// global_admin keys live in the global config and are never per-tenant.
type Role string

const (
	RolePublic      Role = "public"
	RoleTenantAdmin Role = "tenant_admin"
	RoleGlobalAdmin Role = "global_admin"
)

// rank orders roles for "this role or higher" checks.
func (r Role) rank() int {
	switch r {
	case RolePublic:
		return 1
	case RoleTenantAdmin:
		return 2
	case RoleGlobalAdmin:
		return 3
	}
	return 0
}

// AtLeast reports whether r grants everything required holds.
func (r Role) AtLeast(required Role) bool {
	return r.rank() >= required.rank()
}

// KeyStatus is the lifecycle state of an AuthKey.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

// Quotas holds per-tenant limits. Zero RateLimitRPM disables rate limiting.
type Quotas struct {
	MaxEvents    int `json:"maxEvents"`
	MaxStorageMB int `json:"maxStorageMB"`
	RateLimitRPM int `json:"rateLimitRpm"`
}

// Features toggles optional per-tenant behavior.
type Features struct {
	BackupEnabled bool `json:"backupEnabled"`
	SignedBackup  bool `json:"signedBackup"`
}

// DefaultQuotas apply when registration omits quotas.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxEvents:    100000,
		MaxStorageMB: 512,
		RateLimitRPM: 600,
	}
}

// DefaultFeatures apply when registration omits features.
func DefaultFeatures() Features {
	return Features{
		BackupEnabled: true,
		SignedBackup:  true,
	}
}

// AuthKey is a stored per-tenant credential. Only the peppered hash is kept;
// the plaintext token is returned exactly once at creation.
type AuthKey struct {
	KeyID       string     `json:"keyId"`
	Role        Role       `json:"role"`
	TokenHash   string     `json:"tokenHash"`
	Status      KeyStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Tenant is the durable configuration record held by the registry.
type Tenant struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Quotas    Quotas            `json:"quotas"`
	Features  Features          `json:"features"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// APIToken is the deprecated plaintext token honored for legacy callers.
	APIToken string `json:"apiToken,omitempty"`

	Keys []AuthKey `json:"keys"`
}

// clone returns a deep copy so registry callers never alias internal state.
func (t *Tenant) clone() *Tenant {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Keys = make([]AuthKey, len(t.Keys))
	copy(cp.Keys, t.Keys)
	for i := range t.Keys {
		if t.Keys[i].LastUsedAt != nil {
			ts := *t.Keys[i].LastUsedAt
			cp.Keys[i].LastUsedAt = &ts
		}
	}
	return &cp
}

// Redacted returns a copy safe for API responses: key hashes and the legacy
// token are stripped.
func (t *Tenant) Redacted() *Tenant {
	cp := t.clone()
	cp.APIToken = ""
	for i := range cp.Keys {
		cp.Keys[i].TokenHash = ""
	}
	return cp
}
