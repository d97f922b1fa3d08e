package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBackupPepper = "backup-test-pepper-0123456789"

// newSignedSnapshot builds a small fully signed snapshot through the service.
func newSignedSnapshot(t *testing.T, pepper string) (*Snapshot, *Repository) {
	t.Helper()
	crypto := NewCrypto(pepper)
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	providers := func(tenantID string) (Provider, error) {
		return func(ctx context.Context, entity EntityType) ([]map[string]any, error) {
			switch entity {
			case EntityEventLog:
				return []map[string]any{
					{"id": "e1", "previous_hash": "", "current_hash": "h1", "evento": "decisao_registrada"},
					{"id": "e2", "previous_hash": "h1", "current_hash": "h2", "evento": "episodio_aberto"},
				}, nil
			case EntityMandates:
				return []map[string]any{{"id": "m1", "scope": "ops"}}, nil
			}
			return []map[string]any{}, nil
		}, nil
	}

	svc := NewService(crypto, repo, providers, nil)
	snap, path, err := svc.Create(context.Background(), "acme", nil)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	return snap, repo
}

func TestCreate_SignedSnapshot(t *testing.T) {
	snap, _ := newSignedSnapshot(t, testBackupPepper)

	assert.Equal(t, "acme", snap.Metadata.TenantID)
	assert.Equal(t, FormatVersion, snap.Metadata.FormatVersion)
	assert.Len(t, snap.Entities, len(AllEntityTypes))
	assert.Equal(t, 2, snap.Metadata.EntityCounts[EntityEventLog])
	assert.Equal(t, "e2", snap.Metadata.LastEventID)
	assert.Equal(t, "h2", snap.Metadata.LastEventHash)
	assert.Len(t, snap.ContentHash, 64)
	assert.Len(t, snap.Signature, 64)
	assert.False(t, snap.Metadata.CreatedAt.IsZero())
}

func TestVerify_IntactSnapshot(t *testing.T) {
	snap, _ := newSignedSnapshot(t, testBackupPepper)
	crypto := NewCrypto(testBackupPepper)
	assert.Empty(t, crypto.Verify(snap))
}

func TestVerify_TamperedData(t *testing.T) {
	snap, _ := newSignedSnapshot(t, testBackupPepper)
	// Flip a value inside the event log payload; its dataHash no longer binds.
	snap.Entities[0].Data[0]["evento"] = "decisao_apagada"

	errs := NewCrypto(testBackupPepper).Verify(snap)
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrHashMismatch)
	assert.Contains(t, errs[0].Error(), "dataHash")
}

func TestVerify_TamperedMetadata(t *testing.T) {
	snap, _ := newSignedSnapshot(t, testBackupPepper)
	snap.Metadata.TenantID = "globex"

	errs := NewCrypto(testBackupPepper).Verify(snap)
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if errors.Is(e, ErrHashMismatch) && strings.Contains(e.Error(), "contentHash") {
			found = true
		}
	}
	assert.True(t, found, "metadata tampering must break the contentHash: %v", errs)
}

func TestVerify_WrongPepper(t *testing.T) {
	snap, _ := newSignedSnapshot(t, testBackupPepper)

	errs := NewCrypto("a-completely-different-pepper").Verify(snap)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSignatureInvalid)
}

func TestVerify_MissingPepper(t *testing.T) {
	snap, _ := newSignedSnapshot(t, testBackupPepper)

	errs := NewCrypto("").Verify(snap)
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[len(errs)-1], ErrConfigMissing)
}

func TestSign_RequiresPepper(t *testing.T) {
	_, err := NewCrypto("").Sign("deadbeef")
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestCheckFormatVersion(t *testing.T) {
	assert.NoError(t, CheckFormatVersion("1.0.0"))
	assert.NoError(t, CheckFormatVersion("1.9.3"))
	assert.ErrorIs(t, CheckFormatVersion("2.0.0"), ErrFormatInvalid)
	assert.ErrorIs(t, CheckFormatVersion("nonsense"), ErrFormatInvalid)
	assert.ErrorIs(t, CheckFormatVersion("1.0"), ErrFormatInvalid)
}

func TestRepository_SaveLoadList(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)

	loaded, err := repo.Load(snap.Metadata.BackupID)
	require.NoError(t, err)
	assert.Equal(t, snap.Metadata.BackupID, loaded.Metadata.BackupID)
	assert.Empty(t, NewCrypto(testBackupPepper).Verify(loaded), "snapshot must survive the disk round trip")

	list, err := repo.List("acme")
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = repo.List("globex")
	require.NoError(t, err)
	assert.Empty(t, list)

	latest, err := repo.LatestFor("acme")
	require.NoError(t, err)
	assert.Equal(t, snap.Metadata.BackupID, latest.BackupID)

	_, err = repo.Load("no-such-id")
	assert.ErrorIs(t, err, ErrBackupNotFound)
	_, err = repo.LatestFor("globex")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestRepository_CleanupOrphans(t *testing.T) {
	base := t.TempDir()
	repo, err := NewRepository(base)
	require.NoError(t, err)

	// Simulate a writer that died between write and rename.
	orphan := filepath.Join(base, "backups", "backup_acme_20260101-000000.json.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("{"), 0o600))

	assert.Equal(t, 1, repo.CleanupOrphans())
	assert.Equal(t, 0, repo.CleanupOrphans())
}

var errProviderRefused = errors.New("test provider refused")

func TestBackupDisabledProvider(t *testing.T) {
	crypto := NewCrypto(testBackupPepper)
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	providers := func(tenantID string) (Provider, error) {
		return nil, errProviderRefused
	}
	svc := NewService(crypto, repo, providers, nil)
	_, _, err = svc.Create(context.Background(), "acme", nil)
	assert.ErrorIs(t, err, errProviderRefused)
}

func TestService_EmitsSinkEvents(t *testing.T) {
	crypto := NewCrypto(testBackupPepper)
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	var events []string
	sink := func(event string, fields map[string]any) {
		events = append(events, event)
	}
	providers := func(string) (Provider, error) {
		return func(context.Context, EntityType) ([]map[string]any, error) {
			return []map[string]any{}, nil
		}, nil
	}

	svc := NewService(crypto, repo, providers, sink)
	_, _, err = svc.Create(context.Background(), "acme", []EntityType{EntityMandates})
	require.NoError(t, err)
	assert.Equal(t, []string{"BACKUP_CREATED"}, events)

	// Deadline long past: context errors surface before any fetch.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, _, err = svc.Create(ctx, "acme", nil)
	assert.Error(t, err)
}
