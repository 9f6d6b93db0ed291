package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome statuses, also used as metric labels.
const (
	StatusDetected     = "detected"
	StatusClear        = "clear"
	StatusNoData       = "no_data"
	StatusInvalid      = "invalid_config"
	StatusBackendError = "backend_error"
)

// ErrMalformedRequest marks a request that cannot be evaluated at all.
var ErrMalformedRequest = errors.New("malformed detection request")

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// DetectionRequest asks for one field to be evaluated. Unset fields take the
// service defaults. BaselineYears is a comma-separated list.
type DetectionRequest struct {
	RequestID         string          `json:"request_id,omitempty"`
	FieldID           string          `json:"field_id"`
	Geometry          json.RawMessage `json:"geometry"`
	SeasonStart       string          `json:"season_start,omitempty"`
	SeasonEnd         string          `json:"season_end,omitempty"`
	BaselineYears     string          `json:"baseline_years,omitempty"`
	NDVIThreshold     *float64        `json:"ndvi_threshold,omitempty"`
	MinFraction       *float64        `json:"min_fraction,omitempty"`
	ConsecutiveNeeded *int            `json:"consecutive_needed,omitempty"`
}

// ParseDetectionRequest decodes a request message and checks the fields every
// request must carry.
func ParseDetectionRequest(data []byte) (DetectionRequest, error) {
	var req DetectionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return DetectionRequest{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	req.FieldID = strings.TrimSpace(req.FieldID)
	if req.FieldID == "" {
		return DetectionRequest{}, fmt.Errorf("%w: field_id is required", ErrMalformedRequest)
	}
	if len(req.Geometry) == 0 || string(req.Geometry) == "null" {
		return DetectionRequest{}, fmt.Errorf("%w: geometry is required", ErrMalformedRequest)
	}
	return req, nil
}

// Params resolves the request against defaults and validates the result.
func (r DetectionRequest) Params(d ParamDefaults) (Params, error) {
	start, err := parseDate("season_start", orDefault(r.SeasonStart, d.SeasonStart))
	if err != nil {
		return Params{}, err
	}
	end, err := parseDate("season_end", orDefault(r.SeasonEnd, d.SeasonEnd))
	if err != nil {
		return Params{}, err
	}

	p := Params{
		SeasonStart:       start,
		SeasonEnd:         end,
		BaselineYears:     ParseBaselineYears(orDefault(r.BaselineYears, d.BaselineYears)),
		AnomalyThreshold:  d.AnomalyThreshold,
		MinFraction:       d.MinFraction,
		ConsecutiveNeeded: d.ConsecutiveNeeded,
		RecentWindow:      d.RecentWindow,
	}
	if r.NDVIThreshold != nil {
		p.AnomalyThreshold = *r.NDVIThreshold
	}
	if r.MinFraction != nil {
		p.MinFraction = *r.MinFraction
	}
	if r.ConsecutiveNeeded != nil {
		p.ConsecutiveNeeded = *r.ConsecutiveNeeded
	}
	if p.RecentWindow == 0 {
		p.RecentWindow = DefaultRecentWindow
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// DetectionOutcome is the published record of one evaluated request.
type DetectionOutcome struct {
	ID                string    `json:"id"`
	FieldID           string    `json:"field_id"`
	Status            string    `json:"status"`
	AreaHectares      float64   `json:"area_ha,omitempty"`
	PerimeterMeters   float64   `json:"perimeter_m,omitempty"`
	SeasonStart       string    `json:"season_start,omitempty"`
	SeasonEnd         string    `json:"season_end,omitempty"`
	NDVIThreshold     float64   `json:"ndvi_threshold,omitempty"`
	MinFraction       float64   `json:"min_fraction,omitempty"`
	ConsecutiveNeeded int       `json:"consecutive_needed,omitempty"`
	Result            Result    `json:"result"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// NewOutcome stamps a detection result for publishing. A zero Params (the
// configuration was rejected) leaves the parameter echo empty.
func NewOutcome(req DetectionRequest, region Region, p Params, result Result) DetectionOutcome {
	out := DetectionOutcome{
		ID:          requestID(req),
		FieldID:     req.FieldID,
		Status:      statusOf(result),
		Result:      result,
		EvaluatedAt: clock.Now().UTC(),
	}
	if !region.IsZero() {
		out.AreaHectares = region.AreaHectares()
		out.PerimeterMeters = region.PerimeterMeters()
	}
	if !p.SeasonStart.IsZero() {
		out.SeasonStart = p.SeasonStart.Format(DateLayout)
		out.SeasonEnd = p.SeasonEnd.Format(DateLayout)
		out.NDVIThreshold = p.AnomalyThreshold
		out.MinFraction = p.MinFraction
		out.ConsecutiveNeeded = p.ConsecutiveNeeded
	}
	return out
}

// FailedOutcome records a request that produced no verdict.
func FailedOutcome(req DetectionRequest, region Region, status string, err error) DetectionOutcome {
	out := NewOutcome(req, region, Params{}, Result{Error: err.Error()})
	out.Status = status
	return out
}

func statusOf(r Result) string {
	switch {
	case r.Error == NoImageryMessage:
		return StatusNoData
	case r.Error != "":
		return StatusBackendError
	case r.PestDetected:
		return StatusDetected
	default:
		return StatusClear
	}
}

// requestID returns the caller's ID or derives a deterministic one from the
// request fields, so replays of the same request map to the same outcome.
func requestID(req DetectionRequest) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		req.FieldID, req.Geometry, req.SeasonStart, req.SeasonEnd, req.BaselineYears,
		fmtOptional(req.NDVIThreshold), fmtOptional(req.MinFraction), fmtOptional(req.ConsecutiveNeeded))
	hash := sha256.Sum256([]byte(input))
	return "det-" + hex.EncodeToString(hash[:8])
}

func fmtOptional[T float64 | int](v *T) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}
