package domain

import "time"

// Observation is the regional mean NDVI of one scene. A nil Value is a
// measurement gap.
type Observation struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Value      *float64  `json:"ndvi"`
}

// Anomaly is an observation's deviation from the baseline.
type Anomaly struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Value      *float64  `json:"anomaly"`
}

// BuildAnomalies subtracts the baseline from every observation, keeping the
// input order. The result is nil wherever the observation or the baseline is nil.
func BuildAnomalies(observations []Observation, baseline *float64) []Anomaly {
	out := make([]Anomaly, len(observations))
	for i, o := range observations {
		out[i] = Anomaly{AcquiredAt: o.AcquiredAt}
		if o.Value == nil || baseline == nil {
			continue
		}
		v := *o.Value - *baseline
		out[i].Value = &v
	}
	return out
}

// RecentWindow returns the last min(size, #non-nil) non-nil anomaly values in
// chronological order. Nil anomalies are skipped and do not use up a slot.
func RecentWindow(anomalies []Anomaly, size int) []float64 {
	values := make([]float64, 0, len(anomalies))
	for _, a := range anomalies {
		if a.Value != nil {
			values = append(values, *a.Value)
		}
	}
	if size < 0 {
		size = 0
	}
	if len(values) > size {
		values = values[len(values)-size:]
	}
	return values
}
