package backup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatVersion of snapshots written by this gateway. Loaders accept any
// snapshot whose major version matches.
const FormatVersion = "1.0.0"

var ErrFormatInvalid = errors.New("backup format invalid")

// EntityType names one restorable collection inside a snapshot.
type EntityType string

const (
	EntityEventLog       EntityType = "EventLog"
	EntityObservations   EntityType = "ObservacoesDeConsequencia"
	EntityMandates       EntityType = "AutonomyMandates"
	EntityReviewCases    EntityType = "ReviewCases"
	EntityTenantRegistry EntityType = "TenantRegistry"
)

// AllEntityTypes in canonical snapshot order.
var AllEntityTypes = []EntityType{
	EntityEventLog,
	EntityObservations,
	EntityMandates,
	EntityReviewCases,
	EntityTenantRegistry,
}

// Metadata describes a snapshot.
type Metadata struct {
	BackupID         string             `json:"backupId"`
	CreatedAt        time.Time          `json:"createdAt"`
	TenantID         string             `json:"tenantId"`
	FormatVersion    string             `json:"formatVersion"`
	IncludedEntities []EntityType       `json:"includedEntities"`
	EntityCounts     map[EntityType]int `json:"entityCounts"`
	LastEventHash    string             `json:"lastEventHash,omitempty"`
	LastEventID      string             `json:"lastEventId,omitempty"`
}

// Entity is one collection's payload plus the hash binding it.
type Entity struct {
	EntityType EntityType       `json:"entityType"`
	Data       []map[string]any `json:"data"`
	DataHash   string           `json:"dataHash"`
}

// Snapshot is the full on-disk backup document. Field order on disk is
// arbitrary; hashing always goes through the canonical serialization.
type Snapshot struct {
	Metadata    Metadata `json:"metadata"`
	Entities    []Entity `json:"entities"`
	ContentHash string   `json:"contentHash"`
	Signature   string   `json:"signature"`
}

// CheckFormatVersion accepts "<major>.<minor>.<patch>" strings whose major
// matches ours.
func CheckFormatVersion(v string) error {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: bad formatVersion %q", ErrFormatInvalid, v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("%w: bad formatVersion %q", ErrFormatInvalid, v)
	}
	ourMajor, _ := strconv.Atoi(strings.SplitN(FormatVersion, ".", 2)[0])
	if major != ourMajor {
		return fmt.Errorf("%w: unsupported major version %d", ErrFormatInvalid, major)
	}
	return nil
}

// validateShape rejects structurally broken snapshot documents before any
// cryptographic check runs.
func validateShape(s *Snapshot) error {
	if s.Metadata.BackupID == "" {
		return fmt.Errorf("%w: missing metadata.backupId", ErrFormatInvalid)
	}
	if s.Metadata.TenantID == "" {
		return fmt.Errorf("%w: missing metadata.tenantId", ErrFormatInvalid)
	}
	if err := CheckFormatVersion(s.Metadata.FormatVersion); err != nil {
		return err
	}
	if len(s.ContentHash) != 64 {
		return fmt.Errorf("%w: contentHash must be 64 hex chars", ErrFormatInvalid)
	}
	for i := range s.Entities {
		if s.Entities[i].EntityType == "" {
			return fmt.Errorf("%w: entity %d missing entityType", ErrFormatInvalid, i)
		}
		if len(s.Entities[i].DataHash) != 64 {
			return fmt.Errorf("%w: entity %s dataHash must be 64 hex chars", ErrFormatInvalid, s.Entities[i].EntityType)
		}
	}
	return nil
}
