package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
	"github.com/couchcryptid/crop-pest-detector/internal/observability"
)

// Detector runs the decision procedure for one field.
type Detector interface {
	Detect(ctx context.Context, region domain.Region, p domain.Params) (domain.Result, error)
}

// DetectionTransformer turns detection requests into outcomes. Requests that
// cannot be parsed are errors; everything else, including rejected
// configurations and backend failures, becomes a publishable outcome.
type DetectionTransformer struct {
	detector Detector
	defaults domain.ParamDefaults
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewDetectionTransformer creates a DetectionTransformer that fills unset
// request fields from defaults.
func NewDetectionTransformer(detector Detector, defaults domain.ParamDefaults, logger *slog.Logger, metrics *observability.Metrics) *DetectionTransformer {
	return &DetectionTransformer{
		detector: detector,
		defaults: defaults,
		logger:   logger,
		metrics:  metrics,
	}
}

// Transform parses a raw message and evaluates it.
func (t *DetectionTransformer) Transform(ctx context.Context, raw domain.RawEvent) (domain.DetectionOutcome, error) {
	req, err := domain.ParseDetectionRequest(raw.Value)
	if err != nil {
		return domain.DetectionOutcome{}, err
	}
	return t.Evaluate(ctx, req)
}

// Evaluate runs one parsed request. The returned error is non-nil only for
// malformed geometry or a cancelled context.
func (t *DetectionTransformer) Evaluate(ctx context.Context, req domain.DetectionRequest) (domain.DetectionOutcome, error) {
	region, err := domain.ParseRegion(req.Geometry)
	if err != nil {
		return domain.DetectionOutcome{}, fmt.Errorf("%w: %w", domain.ErrMalformedRequest, err)
	}

	logger := t.logger.With("field_id", req.FieldID)

	params, err := req.Params(t.defaults)
	if err != nil {
		logger.Warn("detection config rejected", "error", err)
		return t.record(domain.FailedOutcome(req, region, domain.StatusInvalid, err)), nil
	}

	start := time.Now()
	result, err := t.detector.Detect(ctx, region, params)
	t.metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return domain.DetectionOutcome{}, ctx.Err()
		}
		status := domain.StatusBackendError
		if errors.Is(err, domain.ErrInvalidConfig) {
			status = domain.StatusInvalid
		}
		logger.Error("detection failed", "error", err, "status", status)
		return t.record(domain.FailedOutcome(req, region, status, err)), nil
	}

	t.recordGaps(result)
	outcome := t.record(domain.NewOutcome(req, region, params, result))
	logger.Info("field evaluated",
		"status", outcome.Status,
		"n_images", result.ImageCount,
		"consecutive_flag", result.ConsecutiveFlag,
		"baseline_years_used", len(result.BaselineYearsUsed),
	)
	return outcome, nil
}

func (t *DetectionTransformer) record(outcome domain.DetectionOutcome) domain.DetectionOutcome {
	t.metrics.Detections.WithLabelValues(outcome.Status).Inc()
	return outcome
}

// recordGaps counts the measurements the detector had to treat as missing.
func (t *DetectionTransformer) recordGaps(r domain.Result) {
	if r.Error != "" {
		return
	}
	if r.BaselineNDVI == nil {
		t.metrics.MeasurementGaps.WithLabelValues("baseline").Inc()
	} else {
		for _, a := range r.Anomalies {
			if a.Value == nil {
				t.metrics.MeasurementGaps.WithLabelValues("observation").Inc()
			}
		}
	}
	if r.Fraction == nil {
		t.metrics.MeasurementGaps.WithLabelValues("extent").Inc()
	}
}
