package telemetry

import (
	"io"
	"math"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// MetricPoint is one labeled sample in the JSON snapshot.
type MetricPoint struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// HistogramPoint carries the summary of one histogram series.
type HistogramPoint struct {
	Labels  map[string]string `json:"labels,omitempty"`
	Count   uint64            `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[string]uint64 `json:"buckets"`
}

// Snapshot is the JSON export shape: metric name -> points.
type Snapshot struct {
	Counters   map[string][]MetricPoint    `json:"counters"`
	Gauges     map[string][]MetricPoint    `json:"gauges"`
	Histograms map[string][]HistogramPoint `json:"histograms"`
}

// PrometheusText writes the full registry in Prometheus exposition format.
func (r *Registry) PrometheusText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	return encodeFamilies(w, families)
}

// PrometheusTextForTenant writes only the series labeled with the tenant.
// Metrics of other tenants never appear in the output, not even as label
// values.
func (r *Registry) PrometheusTextForTenant(w io.Writer, tenantID string) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	return encodeFamilies(w, filterFamilies(families, tenantID))
}

func encodeFamilies(w io.Writer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if len(mf.Metric) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func filterFamilies(families []*dto.MetricFamily, tenantID string) []*dto.MetricFamily {
	out := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		filtered := &dto.MetricFamily{Name: mf.Name, Help: mf.Help, Type: mf.Type}
		for _, m := range mf.Metric {
			if metricTenant(m) == tenantID {
				filtered.Metric = append(filtered.Metric, m)
			}
		}
		if len(filtered.Metric) > 0 {
			out = append(out, filtered)
		}
	}
	return out
}

func metricTenant(m *dto.Metric) string {
	for _, lp := range m.Label {
		if lp.GetName() == "tenant_id" {
			return lp.GetValue()
		}
	}
	return ""
}

// GenerateSnapshot builds the JSON export of every metric.
func (r *Registry) GenerateSnapshot() (*Snapshot, error) {
	return r.snapshot("")
}

// GenerateSnapshotForTenant builds the JSON export filtered to one tenant.
func (r *Registry) GenerateSnapshotForTenant(tenantID string) (*Snapshot, error) {
	return r.snapshot(tenantID)
}

func (r *Registry) snapshot(tenantID string) (*Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	if tenantID != "" {
		families = filterFamilies(families, tenantID)
	}

	snap := &Snapshot{
		Counters:   make(map[string][]MetricPoint),
		Gauges:     make(map[string][]MetricPoint),
		Histograms: make(map[string][]HistogramPoint),
	}
	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.Metric {
			labels := labelMap(m)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				snap.Counters[name] = append(snap.Counters[name], MetricPoint{Labels: labels, Value: m.GetCounter().GetValue()})
			case dto.MetricType_GAUGE:
				snap.Gauges[name] = append(snap.Gauges[name], MetricPoint{Labels: labels, Value: m.GetGauge().GetValue()})
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				point := HistogramPoint{
					Labels:  labels,
					Count:   h.GetSampleCount(),
					Sum:     h.GetSampleSum(),
					Buckets: make(map[string]uint64, len(h.Bucket)),
				}
				for _, b := range h.Bucket {
					point.Buckets[formatBucket(b.GetUpperBound())] = b.GetCumulativeCount()
				}
				snap.Histograms[name] = append(snap.Histograms[name], point)
			}
		}
	}
	return snap, nil
}

func labelMap(m *dto.Metric) map[string]string {
	if len(m.Label) == 0 {
		return nil
	}
	labels := make(map[string]string, len(m.Label))
	for _, lp := range m.Label {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func formatBucket(upper float64) string {
	if math.IsInf(upper, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(upper, 'g', -1, 64)
}
