package domain

import "encoding/json"

// NoImageryMessage is the Result error for a season without any scenes.
const NoImageryMessage = "No Sentinel-2 images available for this season/area."

// FlagAnomalies marks each anomaly at or below the threshold.
func FlagAnomalies(window []float64, threshold float64) []bool {
	flags := make([]bool, len(window))
	for i, a := range window {
		flags[i] = a <= threshold
	}
	return flags
}

// HasConsecutive reports whether some contiguous run of need flags is all set.
// Fewer than need flags can never pass.
func HasConsecutive(flags []bool, need int) bool {
	if need < 1 || len(flags) < need {
		return false
	}
	run := 0
	for _, f := range flags {
		if !f {
			run = 0
			continue
		}
		run++
		if run >= need {
			return true
		}
	}
	return false
}

// ExtentFraction is below/total, or nil when either count is missing or the
// total is not positive.
func ExtentFraction(below, total *int) *float64 {
	if below == nil || total == nil || *total <= 0 {
		return nil
	}
	f := float64(*below) / float64(*total)
	return &f
}

// PassesExtent fails closed on a nil fraction. The bound is inclusive.
func PassesExtent(fraction *float64, minFraction float64) bool {
	return fraction != nil && *fraction >= minFraction
}

// Decide is the final verdict: both sub-tests must pass.
func Decide(persistence bool, fraction *float64, minFraction float64) bool {
	return persistence && PassesExtent(fraction, minFraction)
}

// Result is the verdict of one detection run plus its diagnostics.
type Result struct {
	ImageCount      int       `json:"n_images"`
	LastAnomalies   []float64 `json:"last_anoms"`
	ConsecutiveFlag bool      `json:"consecutive_flag"`
	PixelsBelow     *int      `json:"pix_below"`
	PixelsTotal     *int      `json:"pix_tot"`
	Fraction        *float64  `json:"frac"`
	PestDetected    bool      `json:"pest_detected"`

	BaselineNDVI           *float64  `json:"baseline_ndvi"`
	BaselineYearsRequested []int     `json:"baseline_years_requested"`
	BaselineYearsUsed      []int     `json:"baseline_years_used"`
	Anomalies              []Anomaly `json:"anomalies"`

	// Error is set instead of every other field when the run produced no verdict.
	Error string `json:"error,omitempty"`
}

// MarshalJSON emits only {"error": ...} for failed runs.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{Error: r.Error})
	}
	type plain Result
	return json.Marshal(plain(r))
}

// BaselinePartial reports whether fewer baseline years contributed than were requested.
func (r Result) BaselinePartial() bool {
	return len(r.BaselineYearsUsed) < len(r.BaselineYearsRequested)
}
