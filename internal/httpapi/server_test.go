package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/libervia/gateway/internal/auth"
	"github.com/libervia/gateway/internal/backup"
	"github.com/libervia/gateway/internal/config"
	"github.com/libervia/gateway/internal/core"
	"github.com/libervia/gateway/internal/telemetry"
	"github.com/libervia/gateway/internal/tenant"
)

const testAdminToken = "test-global-admin-token"

// coreEntityName maps snapshot entity types onto the core's collections, the
// same way the gateway binary wires its backup engine.
func coreEntityName(et backup.EntityType) string {
	switch et {
	case backup.EntityEventLog:
		return "eventlog"
	case backup.EntityObservations:
		return "observacoes"
	case backup.EntityMandates:
		return "autonomy_mandates"
	case backup.EntityReviewCases:
		return "review_cases"
	}
	return string(et)
}

// newTestServer assembles a fully wired gateway over a temp directory. The
// wiring mirrors the process boot so every route exercises the real stack.
func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.AuthPepper = "httpapi-test-auth-pepper"
	cfg.BackupPepper = "httpapi-test-backup-pepper"
	cfg.AdminToken = testAdminToken
	cfg.Env = "test"

	hasher, err := tenant.NewTokenHasher(cfg.AuthPepper)
	if err != nil {
		t.Fatal(err)
	}
	registry, err := tenant.NewRegistry(cfg.BaseDir, hasher)
	if err != nil {
		t.Fatal(err)
	}
	global, err := auth.LoadGlobal(cfg.BaseDir, cfg.AdminToken, hasher)
	if err != nil {
		t.Fatal(err)
	}
	runtime := tenant.NewRuntime(registry, nil)
	t.Cleanup(func() {
		_ = runtime.ShutdownAll(context.Background())
		registry.Close()
	})

	metrics := telemetry.NewRegistry()

	crypto := backup.NewCrypto(cfg.BackupPepper)
	repo, err := backup.NewRepository(cfg.BaseDir)
	if err != nil {
		t.Fatal(err)
	}

	instanceFor := func(ctx context.Context, tenantID string) (*core.Core, error) {
		return runtime.GetOrCreate(ctx, tenantID)
	}
	providers := func(tenantID string) (backup.Provider, error) {
		rec, err := registry.Get(tenantID)
		if err != nil {
			return nil, err
		}
		if !rec.Features.BackupEnabled {
			return nil, fmt.Errorf("backups are disabled for %s", tenantID)
		}
		return func(ctx context.Context, entity backup.EntityType) ([]map[string]any, error) {
			if entity == backup.EntityTenantRegistry {
				return []map[string]any{{"id": tenantID}}, nil
			}
			c, err := instanceFor(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			return c.EntityData(coreEntityName(entity))
		}, nil
	}
	binder := func(tenantID string) (backup.Checker, backup.Appender, error) {
		c, err := instanceFor(context.Background(), tenantID)
		if err != nil {
			return nil, nil, err
		}
		checker := func(entity backup.EntityType, item map[string]any) (bool, error) {
			if entity == backup.EntityTenantRegistry {
				return true, nil
			}
			id, _ := item["id"].(string)
			return c.HasEntity(coreEntityName(entity), id)
		}
		appender := func(entity backup.EntityType, item map[string]any) error {
			return c.AppendEntity(coreEntityName(entity), item)
		}
		return checker, appender, nil
	}

	backups := backup.NewService(crypto, repo, providers, nil)
	restores := backup.NewRestoreService(crypto, repo, binder, nil)
	dr := backup.NewDRService(backup.Hooks{
		LocateLatest: func(ctx context.Context, tenantID string) (string, error) {
			meta, err := repo.LatestFor(tenantID)
			if err != nil {
				return "", err
			}
			return meta.BackupID, nil
		},
		VerifyBackup: func(ctx context.Context, backupID string) error {
			snap, err := repo.Load(backupID)
			if err != nil {
				return err
			}
			if errs := crypto.Verify(snap); len(errs) > 0 {
				return errs[0]
			}
			return nil
		},
		DryRunRestore: func(ctx context.Context, tenantID, backupID string) error {
			_, err := restores.Restore(ctx, backupID, backup.RestoreOptions{DryRun: true, TenantID: tenantID})
			return err
		},
		ExecuteRestore: func(ctx context.Context, tenantID, backupID string) error {
			_, err := restores.Restore(ctx, backupID, backup.RestoreOptions{TenantID: tenantID})
			return err
		},
		VerifyChain: func(ctx context.Context, tenantID string) error {
			c, err := instanceFor(ctx, tenantID)
			if err != nil {
				return err
			}
			return c.Events.Verify()
		},
	}, nil)

	srv := &Server{
		Config:     cfg,
		Registry:   registry,
		Runtime:    runtime,
		Global:     global,
		Metrics:    metrics,
		Health:     telemetry.NewHealthAssessor(metrics),
		Backups:    backups,
		Restores:   restores,
		DR:         dr,
		BackupRepo: repo,
		Limiter:    NewRateLimiter(),
	}
	return srv, srv.Routes()
}

// doRequest performs one request against the handler. Nil body means no body;
// anything else is marshaled to JSON.
func doRequest(t *testing.T, h http.Handler, method, target, token string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not a JSON object: %v\n%s", err, rec.Body.String())
	}
	return out
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) map[string]any {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	return jsonBody(t, rec)
}

func wantErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	body := wantStatus(t, rec, status)
	if body["code"] != code {
		t.Errorf("expected error code %s, got %v", code, body["code"])
	}
	return body
}

func registerTenant(t *testing.T, srv *Server, id string, input tenant.RegisterInput) {
	t.Helper()
	input.ID = id
	if input.Name == "" {
		input.Name = id
	}
	if _, err := srv.Registry.Register(input); err != nil {
		t.Fatal(err)
	}
}

func createKey(t *testing.T, srv *Server, id string, role tenant.Role) *tenant.CreatedKey {
	t.Helper()
	key, err := srv.Registry.CreateKey(id, role, "test key")
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestPublicAPI_DevModeWithoutCredentials(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme-corp", tenant.RegisterInput{})

	rec := doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "acme-corp"}, nil)
	body := wantStatus(t, rec, 200)
	if body["total"] != float64(0) || body["limit"] != float64(50) {
		t.Errorf("expected empty page with default limit, got %v", body)
	}
	if eventos, ok := body["eventos"].([]any); !ok || len(eventos) != 0 {
		t.Errorf("eventos must be an empty array, got %v", body["eventos"])
	}
}

func TestPublicAPI_KeyAuth(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	key := createKey(t, srv, "acme", tenant.RolePublic)
	hdr := map[string]string{"X-Tenant-Id": "acme"}

	// Once a key exists the tenant leaves dev mode.
	rec := doRequest(t, h, "GET", "/api/v1/eventos", "", hdr, nil)
	wantErrorCode(t, rec, 401, CodeMissingToken)

	rec = doRequest(t, h, "GET", "/api/v1/eventos", "totally-bogus", hdr, nil)
	wantErrorCode(t, rec, 401, CodeInvalidToken)

	rec = doRequest(t, h, "POST", "/api/v1/decisoes", key.Token, hdr, map[string]any{"titulo": "contratar"})
	decision := wantStatus(t, rec, 201)
	if decision["id"] == "" || decision["episodioId"] == "" {
		t.Fatalf("decision must carry ids, got %v", decision)
	}

	rec = doRequest(t, h, "GET", "/api/v1/eventos", key.Token, hdr, nil)
	body := wantStatus(t, rec, 200)
	if body["total"] != float64(2) {
		t.Errorf("intake should have chained 2 events, got %v", body["total"])
	}
}

func TestPublicAPI_EpisodeLifecycle(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	hdr := map[string]string{"X-Tenant-Id": "acme"}

	rec := doRequest(t, h, "POST", "/api/v1/decisoes", "", hdr, map[string]any{"titulo": "x"})
	decision := wantStatus(t, rec, 201)
	episodeID := decision["episodioId"].(string)

	rec = doRequest(t, h, "GET", "/api/v1/episodios/"+episodeID, "", hdr, nil)
	episode := wantStatus(t, rec, 200)
	if episode["status"] != "aberto" {
		t.Errorf("expected open episode, got %v", episode["status"])
	}

	rec = doRequest(t, h, "POST", "/api/v1/episodios/"+episodeID+"/encerrar", "", hdr, map[string]any{"resultado": "ok"})
	episode = wantStatus(t, rec, 200)
	if episode["status"] != "encerrado" {
		t.Errorf("expected closed episode, got %v", episode["status"])
	}

	rec = doRequest(t, h, "POST", "/api/v1/episodios/"+episodeID+"/encerrar", "", hdr, nil)
	wantErrorCode(t, rec, 400, CodeValidation)

	rec = doRequest(t, h, "GET", "/api/v1/episodios/no-such", "", hdr, nil)
	wantErrorCode(t, rec, 404, CodeNotFound)
}

func TestPublicAPI_PathTenancyAlias(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})

	rec := doRequest(t, h, "GET", "/api/v1/tenants/acme/eventos", "", nil, nil)
	wantStatus(t, rec, 200)
}

func TestTenantResolution_ConflictRefused(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	registerTenant(t, srv, "globex", tenant.RegisterInput{})

	rec := doRequest(t, h, "GET", "/api/v1/tenants/globex/eventos", "",
		map[string]string{"X-Tenant-Id": "acme"}, nil)
	body := wantErrorCode(t, rec, 400, CodeTenantConflict)

	details, ok := body["details"].(map[string]any)
	if !ok {
		t.Fatalf("conflict must name its sources, got %v", body["details"])
	}
	if details["headerTenant"] != "acme" || details["pathTenant"] != "globex" {
		t.Errorf("unexpected conflict details: %v", details)
	}
}

func TestTenantResolution_MissingAndUnknown(t *testing.T) {
	_, h := newTestServer(t)

	rec := doRequest(t, h, "GET", "/api/v1/eventos", "", nil, nil)
	wantErrorCode(t, rec, 400, CodeMissingTenant)

	rec = doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "nobody"}, nil)
	wantErrorCode(t, rec, 404, CodeTenantNotFound)
}

func TestTenantSuspension_IsolatesOneTenant(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "alpha", tenant.RegisterInput{})
	registerTenant(t, srv, "bravo", tenant.RegisterInput{})

	rec := doRequest(t, h, "POST", "/admin/tenants/alpha/suspend", testAdminToken, nil, nil)
	wantStatus(t, rec, 200)

	rec = doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "alpha"}, nil)
	wantErrorCode(t, rec, 403, CodeTenantSuspended)

	// The neighbor keeps serving.
	rec = doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "bravo"}, nil)
	wantStatus(t, rec, 200)

	rec = doRequest(t, h, "POST", "/admin/tenants/alpha/resume", testAdminToken, nil, nil)
	wantStatus(t, rec, 200)
	rec = doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "alpha"}, nil)
	wantStatus(t, rec, 200)
}

func TestGlobalAdminGuard(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	tenantKey := createKey(t, srv, "acme", tenant.RoleTenantAdmin)

	rec := doRequest(t, h, "GET", "/admin/tenants", "", nil, nil)
	wantErrorCode(t, rec, 401, CodeMissingToken)

	rec = doRequest(t, h, "GET", "/admin/tenants", "bogus", nil, nil)
	wantErrorCode(t, rec, 401, CodeInvalidToken)

	// A valid tenant key on a global surface is a role problem, not an
	// unknown token.
	rec = doRequest(t, h, "GET", "/admin/tenants", tenantKey.Token, nil, nil)
	wantErrorCode(t, rec, 403, CodeInsufficientRole)

	rec = doRequest(t, h, "GET", "/admin/tenants", testAdminToken, nil, nil)
	body := wantStatus(t, rec, 200)
	if body["total"] != float64(1) {
		t.Errorf("expected 1 tenant, got %v", body["total"])
	}
}

func TestTenantAdminGuard(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	registerTenant(t, srv, "globex", tenant.RegisterInput{})
	publicKey := createKey(t, srv, "acme", tenant.RolePublic)
	acmeAdmin := createKey(t, srv, "acme", tenant.RoleTenantAdmin)
	globexAdmin := createKey(t, srv, "globex", tenant.RoleTenantAdmin)

	target := "/admin/tenants/acme/audit/verify"

	rec := doRequest(t, h, "GET", target, publicKey.Token, nil, nil)
	wantErrorCode(t, rec, 403, CodeInsufficientRole)

	rec = doRequest(t, h, "GET", target, globexAdmin.Token, nil, nil)
	wantErrorCode(t, rec, 403, CodeTenantMismatch)

	rec = doRequest(t, h, "GET", target, acmeAdmin.Token, nil, nil)
	body := wantStatus(t, rec, 200)
	if body["chainValid"] != true {
		t.Errorf("fresh chain should verify, got %v", body)
	}

	rec = doRequest(t, h, "GET", target, testAdminToken, nil, nil)
	wantStatus(t, rec, 200)
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})

	rec := doRequest(t, h, "POST", "/admin/tenants/acme/keys", testAdminToken, nil,
		map[string]any{"role": "public", "description": "ci"})
	created := wantStatus(t, rec, 201)
	token, _ := created["token"].(string)
	keyID, _ := created["keyId"].(string)
	if token == "" || keyID == "" {
		t.Fatalf("creation must return the plaintext token once, got %v", created)
	}

	hdr := map[string]string{"X-Tenant-Id": "acme"}
	rec = doRequest(t, h, "GET", "/api/v1/eventos", token, hdr, nil)
	wantStatus(t, rec, 200)

	rec = doRequest(t, h, "POST", "/admin/tenants/acme/keys/"+keyID+"/revoke", testAdminToken, nil, nil)
	wantStatus(t, rec, 200)

	// A revoked key is indistinguishable from a bogus one.
	rec = doRequest(t, h, "GET", "/api/v1/eventos", token, hdr, nil)
	wantErrorCode(t, rec, 401, CodeInvalidToken)

	rec = doRequest(t, h, "POST", "/admin/tenants/acme/keys/"+keyID+"/revoke", testAdminToken, nil, nil)
	wantErrorCode(t, rec, 400, CodeValidation)

	rec = doRequest(t, h, "POST", "/admin/tenants/acme/keys", testAdminToken, nil,
		map[string]any{"role": "global_admin"})
	wantErrorCode(t, rec, 400, CodeValidation)

	rec = doRequest(t, h, "GET", "/admin/tenants/acme/keys", testAdminToken, nil, nil)
	listed := wantStatus(t, rec, 200)
	keys := listed["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	if keys[0].(map[string]any)["tokenHash"] != "" {
		t.Error("listings must redact token hashes")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})

	rec := doRequest(t, h, "GET", "/api/v1/eventos", "",
		map[string]string{"X-Tenant-Id": "acme", "X-Request-Id": "trace-42"}, nil)
	if got := rec.Header().Get("X-Request-Id"); got != "trace-42" {
		t.Errorf("valid request ids are echoed, got %q", got)
	}

	// Malformed ids are replaced, and error bodies carry the effective id.
	rec = doRequest(t, h, "GET", "/api/v1/eventos", "",
		map[string]string{"X-Request-Id": "bad id with spaces"}, nil)
	echoed := rec.Header().Get("X-Request-Id")
	if echoed == "" || echoed == "bad id with spaces" {
		t.Errorf("malformed id must be replaced, got %q", echoed)
	}
	body := wantErrorCode(t, rec, 400, CodeMissingTenant)
	if body["requestId"] != echoed {
		t.Errorf("error body id %v must match header %q", body["requestId"], echoed)
	}
}

func TestRouterErrorShapes(t *testing.T) {
	_, h := newTestServer(t)

	rec := doRequest(t, h, "GET", "/metrics/nope", "", nil, nil)
	wantErrorCode(t, rec, 404, CodeNotFound)

	rec = doRequest(t, h, "DELETE", "/health", "", nil, nil)
	wantErrorCode(t, rec, 405, CodeMethodNotAllowed)
}

func TestHealthEndpoints(t *testing.T) {
	_, h := newTestServer(t)

	rec := doRequest(t, h, "GET", "/health", "", nil, nil)
	body := wantStatus(t, rec, 200)
	if body["status"] == nil {
		t.Errorf("health body should carry a status, got %v", body)
	}

	rec = doRequest(t, h, "GET", "/health/ready", "", nil, nil)
	wantStatus(t, rec, 200)
}

func TestInternalMetricsEndpoints(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	admin := createKey(t, srv, "acme", tenant.RoleTenantAdmin)

	// Generate one measured request first.
	doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "acme"}, nil)

	rec := doRequest(t, h, "GET", "/internal/metrics", testAdminToken, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("exposition format content type expected, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "libervia_http_requests_total") {
		t.Error("exposition output missing the request counter")
	}

	// Tenant-scoped export through the tenant's own admin key.
	rec = doRequest(t, h, "GET", "/internal/tenants/acme/metrics", admin.Token, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `tenant_id="acme"`) {
		t.Error("tenant export missing the tenant's own series")
	}

	rec = doRequest(t, h, "GET", "/internal/health/operational", testAdminToken, nil, nil)
	body := wantStatus(t, rec, 200)
	if body["checks"] == nil {
		t.Errorf("operational health must list its checks, got %v", body)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	hdr := map[string]string{"X-Tenant-Id": "acme"}

	rec := doRequest(t, h, "POST", "/api/v1/decisoes", "", hdr, map[string]any{"titulo": "x"})
	wantStatus(t, rec, 201)

	rec = doRequest(t, h, "POST", "/admin/tenants/acme/backups", testAdminToken, nil, nil)
	created := wantStatus(t, rec, 201)
	backupID, _ := created["backupId"].(string)
	if backupID == "" {
		t.Fatalf("backup creation must return an id, got %v", created)
	}
	counts := created["entityCounts"].(map[string]any)
	if counts["eventlog"] != float64(2) {
		t.Errorf("expected 2 chained events in the snapshot, got %v", counts)
	}

	rec = doRequest(t, h, "GET", "/admin/tenants/acme/backups", testAdminToken, nil, nil)
	listed := wantStatus(t, rec, 200)
	if listed["total"] != float64(1) {
		t.Errorf("expected 1 backup, got %v", listed["total"])
	}

	rec = doRequest(t, h, "GET", "/admin/tenants/acme/backups/"+backupID+"/verify", testAdminToken, nil, nil)
	verified := wantStatus(t, rec, 200)
	if verified["valid"] != true {
		t.Errorf("freshly written backup must verify, got %v", verified)
	}

	rec = doRequest(t, h, "POST", "/admin/tenants/acme/backups/"+backupID+"/restore",
		testAdminToken, nil, map[string]any{"dryRun": true})
	result := wantStatus(t, rec, 200)
	if result["mode"] != "dry-run" {
		t.Errorf("expected dry-run mode, got %v", result["mode"])
	}

	// An effective restore onto the live instance is a no-op: everything in
	// the snapshot already exists.
	rec = doRequest(t, h, "POST", "/admin/tenants/acme/backups/"+backupID+"/restore",
		testAdminToken, nil, nil)
	result = wantStatus(t, rec, 200)
	if result["mode"] != "effective" {
		t.Errorf("expected effective mode, got %v", result["mode"])
	}
	entities := result["entities"].(map[string]any)
	eventlog := entities["eventlog"].(map[string]any)
	if eventlog["alreadyExists"] != float64(2) || eventlog["appended"] != float64(0) {
		t.Errorf("restore over live data must be idempotent, got %v", eventlog)
	}

	rec = doRequest(t, h, "POST", "/admin/tenants/acme/backups/no-such/restore",
		testAdminToken, nil, nil)
	wantErrorCode(t, rec, 404, CodeBackupNotFound)
}

func TestBackupsDisabledTenant(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "frozen", tenant.RegisterInput{
		Features: &tenant.Features{BackupEnabled: false},
	})

	rec := doRequest(t, h, "POST", "/admin/tenants/frozen/backups", testAdminToken, nil, nil)
	wantStatus(t, rec, 403)
}

func TestDisasterRecoveryOverHTTP(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "acme", tenant.RegisterInput{})
	hdr := map[string]string{"X-Tenant-Id": "acme"}

	doRequest(t, h, "POST", "/api/v1/decisoes", "", hdr, map[string]any{"titulo": "x"})
	rec := doRequest(t, h, "POST", "/admin/tenants/acme/backups", testAdminToken, nil, nil)
	wantStatus(t, rec, 201)

	rec = doRequest(t, h, "POST", "/admin/dr/procedures", testAdminToken, nil,
		map[string]any{"type": "total_node_loss", "tenantId": "acme"})
	proc := wantStatus(t, rec, 201)
	if proc["status"] != "awaiting_confirmation" {
		t.Fatalf("preparation should stop at confirmation, got %v", proc["status"])
	}
	procID := proc["procedureId"].(string)

	rec = doRequest(t, h, "GET", "/admin/dr/procedures/"+procID, testAdminToken, nil, nil)
	wantStatus(t, rec, 200)

	rec = doRequest(t, h, "POST", "/admin/dr/procedures/"+procID+"/confirm", testAdminToken, nil, nil)
	proc = wantStatus(t, rec, 200)
	if proc["status"] != "completed" {
		t.Errorf("confirmed procedure should complete, got %v", proc["status"])
	}

	// Confirming twice is refused.
	rec = doRequest(t, h, "POST", "/admin/dr/procedures/"+procID+"/confirm", testAdminToken, nil, nil)
	wantErrorCode(t, rec, 400, CodeDRProcedureError)

	rec = doRequest(t, h, "POST", "/admin/dr/procedures", testAdminToken, nil,
		map[string]any{"type": "total_node_loss"})
	wantErrorCode(t, rec, 400, CodeValidation)
}

func TestTenantLifecycleOverHTTP(t *testing.T) {
	_, h := newTestServer(t)

	rec := doRequest(t, h, "POST", "/admin/tenants", testAdminToken, nil,
		map[string]any{"id": "NewCo", "name": "New Company"})
	created := wantStatus(t, rec, 201)
	if created["id"] != "newco" {
		t.Errorf("tenant ids are normalized, got %v", created["id"])
	}

	rec = doRequest(t, h, "POST", "/admin/tenants", testAdminToken, nil,
		map[string]any{"id": "newco"})
	wantErrorCode(t, rec, 409, CodeTenantExists)

	rec = doRequest(t, h, "POST", "/admin/tenants", testAdminToken, nil,
		map[string]any{"id": "../etc"})
	wantErrorCode(t, rec, 400, CodeInvalidTenantID)

	rec = doRequest(t, h, "PATCH", "/admin/tenants/newco", testAdminToken, nil,
		map[string]any{"name": "Renamed"})
	updated := wantStatus(t, rec, 200)
	if updated["name"] != "Renamed" {
		t.Errorf("expected renamed tenant, got %v", updated["name"])
	}

	rec = doRequest(t, h, "DELETE", "/admin/tenants/newco", testAdminToken, nil, nil)
	wantStatus(t, rec, 200)

	// Soft delete: the record is gone from listings but the route answers 404
	// for traffic.
	rec = doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "newco"}, nil)
	wantErrorCode(t, rec, 404, CodeTenantNotFound)
}
