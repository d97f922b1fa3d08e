package telemetry

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// CheckStatus grades a single health check.
type CheckStatus string

const (
	CheckOK       CheckStatus = "OK"
	CheckWarn     CheckStatus = "WARN"
	CheckCritical CheckStatus = "CRITICAL"
)

// Check is one assessed signal.
type Check struct {
	Name      string      `json:"name"`
	Status    CheckStatus `json:"status"`
	Value     float64     `json:"value"`
	Threshold string      `json:"threshold,omitempty"`
	Message   string      `json:"message"`
}

// Assessment is the aggregated operational health report.
type Assessment struct {
	Status        CheckStatus `json:"status"` // OK | DEGRADED | CRITICAL
	Timestamp     time.Time   `json:"timestamp"`
	UptimeSeconds float64     `json:"uptimeSeconds"`
	Checks        []Check     `json:"checks"`
	Summary       string      `json:"summary"`
}

const (
	mb = 1024 * 1024

	heapWarnBytes     = 500 * mb
	heapCriticalBytes = 800 * mb
	uptimeWarnSeconds = 300

	errorRateWarnPct     = 0.1
	errorRateCriticalPct = 1.0

	authFailWarnPerSec     = 1.0
	authFailCriticalPerSec = 10.0

	conflictWarn     = 1
	conflictCritical = 10

	rateAbuseWarnPct     = 5.0
	rateAbuseCriticalPct = 20.0
)

// HealthAssessor derives the aggregated status from the metric registry.
// Assessments are pure reads: nothing in the registry is modified.
type HealthAssessor struct {
	registry *Registry
}

func NewHealthAssessor(registry *Registry) *HealthAssessor {
	return &HealthAssessor{registry: registry}
}

// Assess runs every check against fixed thresholds. Overall status is
// CRITICAL if any check is, DEGRADED if any warns, OK otherwise.
func (a *HealthAssessor) Assess() (*Assessment, error) {
	families, err := a.registry.reg.Gather()
	if err != nil {
		return nil, err
	}

	uptime := a.registry.UptimeSeconds()
	requests := sumCounter(families, "libervia_http_requests_total", nil)
	errors5xx := sumCounter(families, "libervia_http_errors_total", map[string]string{"error_code": "5xx"})
	authFailures := sumCounter(families, "libervia_auth_failures_total", nil)
	conflicts := sumCounter(families, "libervia_tenant_conflicts_total", nil)
	rateLimited := sumCounter(families, "libervia_rate_limited_total", nil)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	checks := []Check{
		threshold("memory_heap", float64(m.HeapAlloc), heapWarnBytes, heapCriticalBytes,
			fmt.Sprintf("heap in use: %.1f MB", float64(m.HeapAlloc)/mb),
			fmt.Sprintf("WARN>=%dMB CRITICAL>=%dMB", heapWarnBytes/mb, heapCriticalBytes/mb)),
		uptimeCheck(uptime),
		ratioCheck("error_rate_5xx", errors5xx, requests, 100, errorRateWarnPct, errorRateCriticalPct, "%"),
		perSecondCheck("auth_failures", authFailures, uptime),
		threshold("tenant_conflicts", conflicts, conflictWarn, conflictCritical,
			fmt.Sprintf("%.0f tenant conflicts observed", conflicts),
			fmt.Sprintf("WARN>=%d CRITICAL>=%d", conflictWarn, conflictCritical)),
		ratioCheck("rate_limit_abuse", rateLimited, requests, 100, rateAbuseWarnPct, rateAbuseCriticalPct, "%"),
	}

	overall := CheckOK
	warned := false
	for _, c := range checks {
		if c.Status == CheckCritical {
			overall = CheckCritical
			break
		}
		if c.Status == CheckWarn {
			warned = true
		}
	}
	status := overall
	if overall != CheckCritical && warned {
		status = "DEGRADED"
	}

	var failing []string
	for _, c := range checks {
		if c.Status != CheckOK {
			failing = append(failing, c.Name)
		}
	}
	summary := "all checks passing"
	if len(failing) > 0 {
		summary = "attention: " + strings.Join(failing, ", ")
	}

	return &Assessment{
		Status:        status,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: uptime,
		Checks:        checks,
		Summary:       summary,
	}, nil
}

// HTTPStatus maps the assessment to the status code the health endpoints
// return: only CRITICAL is a 503.
func (as *Assessment) HTTPStatus() int {
	if as.Status == CheckCritical {
		return 503
	}
	return 200
}

func threshold(name string, value, warn, critical float64, message, thresholdDesc string) Check {
	c := Check{Name: name, Status: CheckOK, Value: value, Message: message, Threshold: thresholdDesc}
	switch {
	case value >= critical:
		c.Status = CheckCritical
	case value >= warn:
		c.Status = CheckWarn
	}
	return c
}

func uptimeCheck(uptime float64) Check {
	c := Check{
		Name:      "process_uptime",
		Status:    CheckOK,
		Value:     uptime,
		Message:   fmt.Sprintf("up for %.0fs", uptime),
		Threshold: fmt.Sprintf("WARN<%ds", uptimeWarnSeconds),
	}
	if uptime < uptimeWarnSeconds {
		c.Status = CheckWarn
		c.Message = fmt.Sprintf("recently (re)started: up for %.0fs", uptime)
	}
	return c
}

func ratioCheck(name string, numerator, denominator, scale, warn, critical float64, unit string) Check {
	value := 0.0
	if denominator > 0 {
		value = numerator / denominator * scale
	}
	return threshold(name, value, warn, critical,
		fmt.Sprintf("%.3f%s (%.0f of %.0f)", value, unit, numerator, denominator),
		fmt.Sprintf("WARN>=%.1f%s CRITICAL>=%.1f%s", warn, unit, critical, unit))
}

func perSecondCheck(name string, total, uptime float64) Check {
	value := 0.0
	if uptime > 0 {
		value = total / uptime
	}
	return threshold(name, value, authFailWarnPerSec, authFailCriticalPerSec,
		fmt.Sprintf("%.3f/s (%.0f total)", value, total),
		fmt.Sprintf("WARN>=%.0f/s CRITICAL>=%.0f/s", authFailWarnPerSec, authFailCriticalPerSec))
}

// sumCounter totals a counter family, optionally requiring label matches.
func sumCounter(families []*dto.MetricFamily, name string, match map[string]string) float64 {
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if !labelsMatch(m, match) {
				continue
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func labelsMatch(m *dto.Metric, match map[string]string) bool {
	if len(match) == 0 {
		return true
	}
	labels := labelMap(m)
	for k, v := range match {
		if labels[k] != v {
			return false
		}
	}
	return true
}
