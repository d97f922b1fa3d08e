package httpapi

import (
	"testing"

	"github.com/libervia/gateway/internal/tenant"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	// Slow refill so the test never races a refill tick.
	tb := NewTokenBucket(3, 1.0/60.0)

	for i := 0; i < 3; i++ {
		allowed, remaining, _, _ := tb.Allow()
		if !allowed {
			t.Fatalf("request %d within capacity must pass", i+1)
		}
		if remaining != 3-i-1 {
			t.Errorf("expected %d remaining, got %d", 3-i-1, remaining)
		}
	}

	allowed, remaining, nextToken, fullReset := tb.Allow()
	if allowed {
		t.Fatal("request beyond capacity must be denied")
	}
	if remaining != 0 {
		t.Errorf("denied request reports 0 remaining, got %d", remaining)
	}
	if !fullReset.After(nextToken) {
		t.Error("full reset must be later than the next token")
	}
}

func TestRateLimit_PerTenantIsolation(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "burst", tenant.RegisterInput{
		Quotas: &tenant.Quotas{MaxEvents: 1000, MaxStorageMB: 64, RateLimitRPM: 3},
	})
	registerTenant(t, srv, "steady", tenant.RegisterInput{})

	burstHdr := map[string]string{"X-Tenant-Id": "burst"}
	for i := 0; i < 3; i++ {
		rec := doRequest(t, h, "GET", "/api/v1/eventos", "", burstHdr, nil)
		if rec.Code != 200 {
			t.Fatalf("request %d within quota must pass, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Errorf("limit header should advertise the quota, got %q", got)
		}
	}

	rec := doRequest(t, h, "GET", "/api/v1/eventos", "", burstHdr, nil)
	body := wantErrorCode(t, rec, 429, CodeRateLimited)
	if body["requestId"] == "" {
		t.Error("rate limit errors carry the request id like any other")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("exhausted bucket reports 0 remaining, got %q", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("429 must carry the reset timestamp")
	}

	// One tenant exhausting its budget never touches a neighbor's bucket.
	rec = doRequest(t, h, "GET", "/api/v1/eventos", "", map[string]string{"X-Tenant-Id": "steady"}, nil)
	if rec.Code != 200 {
		t.Errorf("neighbor tenant must be unaffected, got %d", rec.Code)
	}
}

func TestRateLimit_ZeroQuotaDisables(t *testing.T) {
	srv, h := newTestServer(t)
	registerTenant(t, srv, "unlimited", tenant.RegisterInput{
		Quotas: &tenant.Quotas{MaxEvents: 1000, MaxStorageMB: 64, RateLimitRPM: 0},
	})

	hdr := map[string]string{"X-Tenant-Id": "unlimited"}
	for i := 0; i < 10; i++ {
		rec := doRequest(t, h, "GET", "/api/v1/eventos", "", hdr, nil)
		if rec.Code != 200 {
			t.Fatalf("unlimited tenant must never be limited, got %d", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled limiting must not emit rate limit headers")
		}
	}
}

func TestRateLimiter_BucketReuse(t *testing.T) {
	rl := NewRateLimiter()
	b1 := rl.bucket("acme", 10)
	b2 := rl.bucket("acme", 10)
	if b1 != b2 {
		t.Error("the same tenant must get the same bucket")
	}
	if rl.bucket("globex", 10) == b1 {
		t.Error("tenants must not share buckets")
	}
}
