package metrics

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Series is one (name, label-set) combination at snapshot time.
type Series struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`

	// Value holds the counter or gauge value.
	Value float64 `json:"value,omitempty"`

	// Count and Sum hold histogram aggregates.
	Count uint64  `json:"count,omitempty"`
	Sum   float64 `json:"sum,omitempty"`
}

// DurationSummary aggregates the request_duration histogram across labels.
type DurationSummary struct {
	Count      uint64  `json:"count"`
	SumSeconds float64 `json:"sum_seconds"`
	AvgMS      float64 `json:"avg_ms"`
}

// Snapshot is a point-in-time view of the registry. Each series is read
// atomically; the view as a whole is not.
type Snapshot struct {
	TotalRequests       float64            `json:"total_requests"`
	TotalErrors         float64            `json:"total_errors"`
	RequestDuration     DurationSummary    `json:"request_duration"`
	UpstreamStatusCodes map[string]float64 `json:"upstream_status_codes"`
	CacheOperations     map[string]float64 `json:"cache_operations"`
	RedisConnected      bool               `json:"redis_connected"`
	Series              []Series           `json:"-"`
}

// Snapshot gathers every series into a structured view.
func (r *Registry) Snapshot() (Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return Snapshot{}, fmt.Errorf("gather metrics: %w", err)
	}

	snap := Snapshot{
		UpstreamStatusCodes: make(map[string]float64),
		CacheOperations:     make(map[string]float64),
	}

	for _, mf := range families {
		short := strings.TrimPrefix(mf.GetName(), Namespace+"_")
		for _, m := range mf.GetMetric() {
			s := Series{
				Name:   mf.GetName(),
				Type:   strings.ToLower(mf.GetType().String()),
				Labels: labelMap(m.GetLabel()),
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				s.Value = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Count = m.GetHistogram().GetSampleCount()
				s.Sum = m.GetHistogram().GetSampleSum()
			}
			snap.Series = append(snap.Series, s)

			switch short {
			case RequestsTotal:
				snap.TotalRequests += s.Value
			case ErrorsTotal:
				snap.TotalErrors += s.Value
			case RequestDuration:
				snap.RequestDuration.Count += s.Count
				snap.RequestDuration.SumSeconds += s.Sum
			case UpstreamStatusTotal:
				snap.UpstreamStatusCodes[s.Labels["status_code"]] += s.Value
			case CacheOperationsTotal:
				snap.CacheOperations[s.Labels["operation"]+":"+s.Labels["result"]] += s.Value
			case RedisConnected:
				snap.RedisConnected = s.Value == 1
			}
		}
	}

	if snap.RequestDuration.Count > 0 {
		snap.RequestDuration.AvgMS = snap.RequestDuration.SumSeconds * 1000 /
			float64(snap.RequestDuration.Count)
	}

	sort.SliceStable(snap.Series, func(i, j int) bool {
		return snap.Series[i].Name < snap.Series[j].Name
	})

	return snap, nil
}

// Render serializes every series in the Prometheus text exposition format:
// one # HELP and # TYPE preamble per family and one line per label combination.
func (r *Registry) Render() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.GetName()] = p.GetValue()
	}
	return out
}
