// Package core hosts the per-tenant decision kernel the gateway fronts. The
// decision logic itself is intentionally thin; what matters to the gateway is
// the contract: an isolated data directory, a hash-chained event log, and a
// set of entity repositories it can snapshot and restore.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Entity store files inside a tenant data directory.
var entityFiles = map[string]string{
	"situacoes":         "situacoes.json",
	"episodios":         "episodios.json",
	"decisoes":          "decisoes.json",
	"contratos":         "contratos.json",
	"autonomy_mandates": "autonomy_mandates.json",
	"review_cases":      "review_cases.json",
	"observacoes":       "observacoes.json",
}

// IntegrationAdapter is an optional per-tenant extension hook. The runtime
// calls Init after the core opens and Shutdown before it is evicted.
type IntegrationAdapter interface {
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// AdapterFactory builds the adapter for a tenant, or returns nil when the
// tenant needs none.
type AdapterFactory func(tenantID, dataDir string, c *Core) (IntegrationAdapter, error)

// Core is one tenant's live kernel instance.
type Core struct {
	TenantID  string
	DataDir   string
	Events    *EventLog
	StartedAt time.Time

	stores map[string]*Store

	mu           sync.Mutex
	lastActivity time.Time
}

// Open boots a core instance on the tenant's data directory, opening the
// event log and every entity repository.
func Open(tenantID, dataDir string) (*Core, error) {
	events, err := OpenEventLog(dataDir)
	if err != nil {
		return nil, fmt.Errorf("cannot open event log: %w", err)
	}

	stores := make(map[string]*Store, len(entityFiles))
	for name, file := range entityFiles {
		s, err := OpenStore(filepath.Join(dataDir, file))
		if err != nil {
			return nil, fmt.Errorf("cannot open %s store: %w", name, err)
		}
		stores[name] = s
	}

	now := time.Now().UTC()
	c := &Core{
		TenantID:     tenantID,
		DataDir:      dataDir,
		Events:       events,
		StartedAt:    now,
		stores:       stores,
		lastActivity: now,
	}
	log.Debug().Str("tenant_id", tenantID).Str("data_dir", dataDir).Msg("core instance opened")
	return c, nil
}

// Touch records activity on the instance.
func (c *Core) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (c *Core) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RegisterDecision runs the situation -> decision intake: the decision is
// stored, an episode is opened for its follow-up, and both are chained into
// the event log.
func (c *Core) RegisterDecision(actor string, payload map[string]any) (map[string]any, error) {
	c.Touch()
	now := time.Now().UTC().Format(time.RFC3339)

	decision := map[string]any{
		"id":        uuid.NewString(),
		"createdAt": now,
		"status":    "registrada",
	}
	for k, v := range payload {
		if _, taken := decision[k]; !taken {
			decision[k] = v
		}
	}
	if err := c.stores["decisoes"].Append(decision); err != nil {
		return nil, err
	}

	episode := map[string]any{
		"id":        uuid.NewString(),
		"decisaoId": decision["id"],
		"status":    "aberto",
		"createdAt": now,
	}
	if err := c.stores["episodios"].Append(episode); err != nil {
		return nil, err
	}

	if _, err := c.Events.Append("decisao_registrada", "decisao", decision["id"].(string), actor, decision); err != nil {
		return nil, err
	}
	if _, err := c.Events.Append("episodio_aberto", "episodio", episode["id"].(string), actor, episode); err != nil {
		return nil, err
	}

	decision["episodioId"] = episode["id"]
	return decision, nil
}

// GetEpisode returns an episode by id.
func (c *Core) GetEpisode(id string) (map[string]any, bool) {
	c.Touch()
	return c.stores["episodios"].Get(id)
}

// CloseEpisode transitions an open episode to encerrado and logs the event.
func (c *Core) CloseEpisode(id, actor string, payload map[string]any) (map[string]any, error) {
	c.Touch()
	episode, ok := c.stores["episodios"].Get(id)
	if !ok {
		return nil, fmt.Errorf("no such episode: %s", id)
	}
	if episode["status"] == "encerrado" {
		return nil, fmt.Errorf("episode already closed: %s", id)
	}

	updated := make(map[string]any, len(episode)+2)
	for k, v := range episode {
		updated[k] = v
	}
	updated["status"] = "encerrado"
	updated["closedAt"] = time.Now().UTC().Format(time.RFC3339)
	if payload != nil {
		updated["encerramento"] = payload
	}
	if err := c.stores["episodios"].Update(updated); err != nil {
		return nil, err
	}
	if _, err := c.Events.Append("episodio_encerrado", "episodio", id, actor, payload); err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordObservation stores a consequence observation and chains it.
func (c *Core) RecordObservation(actor string, payload map[string]any) (map[string]any, error) {
	c.Touch()
	obs := map[string]any{
		"id":        uuid.NewString(),
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		if _, taken := obs[k]; !taken {
			obs[k] = v
		}
	}
	if err := c.stores["observacoes"].Append(obs); err != nil {
		return nil, err
	}
	if _, err := c.Events.Append("observacao_registrada", "observacao", obs["id"].(string), actor, obs); err != nil {
		return nil, err
	}
	return obs, nil
}

// ListEvents pages through the event log.
func (c *Core) ListEvents(limit, offset int) ([]Entry, int) {
	c.Touch()
	return c.Events.List(limit, offset)
}

// EventLogStatus summarizes the chain for the status endpoint. It runs the
// fast verification only; full verification is an explicit audit operation.
func (c *Core) EventLogStatus() map[string]any {
	c.Touch()
	status := map[string]any{
		"totalEvents": c.Events.Count(),
		"chainValid":  true,
	}
	if last := c.Events.Last(); last != nil {
		status["lastEventId"] = last.ID
		status["lastEventHash"] = last.CurrentHash
	}
	if err := c.Events.VerifyFast(); err != nil {
		status["chainValid"] = false
		status["error"] = err.Error()
	}
	return status
}

// EntityData returns the raw items of an entity collection for backup
// providers. The event log is exposed under "eventlog".
func (c *Core) EntityData(entity string) ([]map[string]any, error) {
	if entity == "eventlog" {
		entries, _ := c.Events.List(0, 0)
		out := make([]map[string]any, len(entries))
		for i := range entries {
			raw, err := json.Marshal(entries[i])
			if err != nil {
				return nil, err
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	}
	s, ok := c.stores[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity: %s", entity)
	}
	return s.All(), nil
}

// HasEntity reports whether an item already exists, for append-only restore.
func (c *Core) HasEntity(entity, id string) (bool, error) {
	if entity == "eventlog" {
		return c.Events.Has(id), nil
	}
	s, ok := c.stores[entity]
	if !ok {
		return false, fmt.Errorf("unknown entity: %s", entity)
	}
	return s.Exists(id), nil
}

// AppendEntity appends a restored item without rewriting anything that
// exists. Event log items keep their original hashes.
func (c *Core) AppendEntity(entity string, item map[string]any) error {
	if entity == "eventlog" {
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("malformed event entry: %w", err)
		}
		return c.Events.AppendRaw(e)
	}
	s, ok := c.stores[entity]
	if !ok {
		return fmt.Errorf("unknown entity: %s", entity)
	}
	return s.Append(item)
}

// EntityCounts returns item counts per collection plus the event total.
func (c *Core) EntityCounts() map[string]int {
	counts := make(map[string]int, len(c.stores)+1)
	for name, s := range c.stores {
		counts[name] = s.Count()
	}
	counts["eventlog"] = c.Events.Count()
	return counts
}

// Metrics describes the instance for the runtime's metrics endpoints.
func (c *Core) Metrics() map[string]any {
	return map[string]any{
		"tenantId":     c.TenantID,
		"startedAt":    c.StartedAt,
		"lastActivity": c.LastActivity(),
		"entityCounts": c.EntityCounts(),
	}
}

// Healthy reports whether the instance can serve requests: the tail of the
// event chain must verify.
func (c *Core) Healthy() bool {
	return c.Events.VerifyFast() == nil
}
