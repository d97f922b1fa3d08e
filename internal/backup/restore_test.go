package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTarget is an in-memory restore target keyed by entity type and item id.
type memTarget struct {
	items map[EntityType]map[string]map[string]any
}

func newMemTarget() *memTarget {
	return &memTarget{items: make(map[EntityType]map[string]map[string]any)}
}

func (m *memTarget) binder(tenantID string) (Checker, Appender, error) {
	checker := func(entity EntityType, item map[string]any) (bool, error) {
		id, _ := item["id"].(string)
		_, ok := m.items[entity][id]
		return ok, nil
	}
	appender := func(entity EntityType, item map[string]any) error {
		id, _ := item["id"].(string)
		if m.items[entity] == nil {
			m.items[entity] = make(map[string]map[string]any)
		}
		m.items[entity][id] = item
		return nil
	}
	return checker, appender, nil
}

func (m *memTarget) seed(entity EntityType, id string) {
	if m.items[entity] == nil {
		m.items[entity] = make(map[string]map[string]any)
	}
	m.items[entity][id] = map[string]any{"id": id}
}

func TestRestore_AppendsMissingItems(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)
	target := newMemTarget()
	svc := NewRestoreService(NewCrypto(testBackupPepper), repo, target.binder, nil)

	result, err := svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{})
	require.NoError(t, err)

	assert.Equal(t, "effective", result.Mode)
	assert.Equal(t, 2, result.Entities[EntityEventLog].Appended)
	assert.Equal(t, 1, result.Entities[EntityMandates].Appended)
	assert.Len(t, target.items[EntityEventLog], 2)
}

func TestRestore_IsIdempotentOverExisting(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)
	target := newMemTarget()
	target.seed(EntityEventLog, "e1")
	svc := NewRestoreService(NewCrypto(testBackupPepper), repo, target.binder, nil)

	result, err := svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{})
	require.NoError(t, err)

	outcome := result.Entities[EntityEventLog]
	assert.Equal(t, 1, outcome.AlreadyExists, "seeded item must be left untouched")
	assert.Equal(t, 1, outcome.Appended)
	// Pre-existing content is never rewritten.
	assert.NotContains(t, target.items[EntityEventLog]["e1"], "current_hash")
}

func TestRestore_DryRunMutatesNothing(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)
	target := newMemTarget()
	var events []string
	sink := func(event string, fields map[string]any) { events = append(events, event) }
	svc := NewRestoreService(NewCrypto(testBackupPepper), repo, target.binder, sink)

	result, err := svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, "dry-run", result.Mode)
	assert.Equal(t, 2, result.Entities[EntityEventLog].Appended, "dry run reports intended appends")
	assert.Empty(t, target.items, "dry run must not touch the target")
	assert.Equal(t, []string{"RESTORE_DRY_RUN"}, events)
}

func TestRestore_RejectsTamperedSnapshot(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)
	// Corrupt the stored file by re-saving a modified snapshot over it.
	snap.Entities[0].Data[0]["evento"] = "tampered"
	_, err := repo.Save(snap)
	require.NoError(t, err)

	target := newMemTarget()
	var events []string
	sink := func(event string, fields map[string]any) { events = append(events, event) }
	svc := NewRestoreService(NewCrypto(testBackupPepper), repo, target.binder, sink)

	_, err = svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{})
	require.ErrorIs(t, err, ErrRestoreRejected)
	require.ErrorIs(t, err, ErrHashMismatch)
	assert.Contains(t, err.Error(), "dataHash")
	assert.Empty(t, target.items, "a rejected restore must not mutate the target")
	assert.Equal(t, []string{"RESTORE_REJECTED"}, events)
}

func TestRestore_TenantGuard(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)
	svc := NewRestoreService(NewCrypto(testBackupPepper), repo, newMemTarget().binder, nil)

	_, err := svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{TenantID: "globex"})
	assert.ErrorIs(t, err, ErrTenantMismatch)

	_, err = svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{TenantID: "acme"})
	assert.NoError(t, err)
}

func TestRestore_IncludeFilter(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)
	target := newMemTarget()
	svc := NewRestoreService(NewCrypto(testBackupPepper), repo, target.binder, nil)

	result, err := svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{
		IncludeEntities: []EntityType{EntityMandates},
	})
	require.NoError(t, err)
	assert.Len(t, result.Entities, 1)
	assert.Empty(t, target.items[EntityEventLog])
	assert.Len(t, target.items[EntityMandates], 1)
}

func TestCheckContinuity(t *testing.T) {
	intact := []map[string]any{
		{"id": "e1", "previous_hash": "anything", "current_hash": "h1"},
		{"id": "e2", "previous_hash": "h1", "current_hash": "h2"},
	}
	assert.NoError(t, checkContinuity(intact), "the first entry's previous_hash is the chain root")

	broken := []map[string]any{
		{"id": "e1", "previous_hash": "", "current_hash": "h1"},
		{"id": "e2", "previous_hash": "not-h1", "current_hash": "h2"},
	}
	assert.ErrorIs(t, checkContinuity(broken), ErrContinuityBroken)

	missing := []map[string]any{{"id": "e1", "previous_hash": ""}}
	assert.ErrorIs(t, checkContinuity(missing), ErrContinuityBroken)
}

func TestRestore_BrokenContinuityRejected(t *testing.T) {
	snap, repo := newSignedSnapshot(t, testBackupPepper)
	// Break the chain inside the event data, then re-hash everything so only
	// the continuity check can catch it.
	snap.Entities[0].Data[1]["previous_hash"] = "severed"
	crypto := NewCrypto(testBackupPepper)
	var err error
	snap.Entities[0].DataHash, err = crypto.DataHash(snap.Entities[0].Data)
	require.NoError(t, err)
	snap.ContentHash, err = crypto.ContentHash(snap.Metadata, snap.Entities)
	require.NoError(t, err)
	snap.Signature, err = crypto.Sign(snap.ContentHash)
	require.NoError(t, err)
	_, err = repo.Save(snap)
	require.NoError(t, err)

	svc := NewRestoreService(crypto, repo, newMemTarget().binder, nil)
	_, err = svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{})
	assert.ErrorIs(t, err, ErrContinuityBroken)

	// Explicitly skipping the check lets the restore proceed.
	_, err = svc.Restore(context.Background(), snap.Metadata.BackupID, RestoreOptions{SkipContinuityCheck: true})
	assert.NoError(t, err)
}
