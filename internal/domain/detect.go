package domain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// Baseline is the multi-year reference for a region.
type Baseline struct {
	// Image is the cross-year median composite, nil when no year had imagery.
	Image *Image
	// Value is the regional mean of Image, nil when it had no valid pixels.
	Value     *float64
	YearsUsed []int
}

// Detector runs the decision procedure against an imagery backend. It holds no
// state between runs and is safe to share across goroutines when the backend is.
type Detector struct {
	backend ImageryBackend
	logger  *slog.Logger
}

// NewDetector creates a Detector. A nil logger discards degradation logs.
func NewDetector(backend ImageryBackend, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{backend: backend, logger: logger}
}

// Detect evaluates one region for one season. It returns an error only for a
// rejected configuration, a failed season-series fetch, or a cancelled
// context; an empty season yields a Result carrying NoImageryMessage.
// Backend failures after the season fetch degrade to gaps, but a run whose
// context ends is abandoned rather than reported with gaps.
func (d *Detector) Detect(ctx context.Context, region Region, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	scenes, err := d.backend.SeasonSeries(ctx, region, p.SeasonStart, p.SeasonEnd)
	if err != nil {
		return Result{}, fmt.Errorf("fetch season series: %w", err)
	}
	if len(scenes) == 0 {
		return Result{Error: NoImageryMessage}, nil
	}
	scenes = slices.Clone(scenes)
	slices.SortStableFunc(scenes, func(a, b Image) int { return a.AcquiredAt.Compare(b.AcquiredAt) })

	baseline := d.EstimateBaseline(ctx, region, p)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("baseline interrupted: %w", err)
	}
	observations := d.observe(ctx, region, scenes)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("observation interrupted: %w", err)
	}
	anomalies := BuildAnomalies(observations, baseline.Value)

	window := RecentWindow(anomalies, p.RecentWindow)
	persistence := HasConsecutive(FlagAnomalies(window, p.AnomalyThreshold), p.ConsecutiveNeeded)

	below, total := d.extent(ctx, region, scenes[len(scenes)-1], baseline.Image, p.AnomalyThreshold)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("extent interrupted: %w", err)
	}
	fraction := ExtentFraction(below, total)

	return Result{
		ImageCount:             len(scenes),
		LastAnomalies:          window,
		ConsecutiveFlag:        persistence,
		PixelsBelow:            below,
		PixelsTotal:            total,
		Fraction:               fraction,
		PestDetected:           Decide(persistence, fraction, p.MinFraction),
		BaselineNDVI:           baseline.Value,
		BaselineYearsRequested: slices.Clone(p.BaselineYears),
		BaselineYearsUsed:      baseline.YearsUsed,
		Anomalies:              anomalies,
	}, nil
}

// EstimateBaseline builds the cross-year median composite and reduces it to a
// regional mean. Years without imagery, or whose composite request fails,
// contribute nothing.
func (d *Detector) EstimateBaseline(ctx context.Context, region Region, p Params) Baseline {
	window := p.BaselineWindow()
	composites := make([]Image, 0, len(p.BaselineYears))
	b := Baseline{YearsUsed: make([]int, 0, len(p.BaselineYears))}

	for _, year := range p.BaselineYears {
		if ctx.Err() != nil {
			return b
		}
		img, err := d.backend.YearlyMedianComposite(ctx, region, year, window)
		if err != nil {
			d.logger.Warn("baseline year dropped", "stage", "baseline", "year", year, "window", window.String(), "error", err)
			continue
		}
		if img == nil {
			d.logger.Debug("baseline year has no imagery", "stage", "baseline", "year", year, "window", window.String())
			continue
		}
		composites = append(composites, *img)
		b.YearsUsed = append(b.YearsUsed, year)
	}

	if len(b.YearsUsed) < len(p.BaselineYears) {
		d.logger.Info("partial baseline coverage", "stage", "baseline",
			"years_requested", len(p.BaselineYears), "years_used", len(b.YearsUsed))
	}
	if len(composites) == 0 || ctx.Err() != nil {
		return b
	}

	median, err := d.backend.MedianComposite(ctx, composites)
	if err != nil {
		d.logger.Warn("baseline composite failed", "stage", "baseline", "error", err)
		return b
	}
	b.Image = &median

	mean, err := d.backend.RegionalMean(ctx, region, median)
	if err != nil {
		d.logger.Warn("baseline reduction failed", "stage", "baseline", "error", err)
		return b
	}
	if mean == nil {
		d.logger.Warn("baseline has no valid pixels", "stage", "baseline")
	}
	b.Value = mean
	return b
}

// observe reduces every scene to its regional mean, one backend call per scene.
func (d *Detector) observe(ctx context.Context, region Region, scenes []Image) []Observation {
	out := make([]Observation, len(scenes))
	for i, img := range scenes {
		out[i] = Observation{AcquiredAt: img.AcquiredAt}
		if ctx.Err() != nil {
			continue
		}
		v, err := d.backend.RegionalMean(ctx, region, img)
		if err != nil {
			d.logger.Warn("observation degraded to gap", "stage", "observation",
				"image_id", img.ID, "acquired_at", img.AcquiredAt, "error", err)
			continue
		}
		out[i].Value = v
	}
	return out
}

// extent counts breaching and valid pixels on the latest scene. If either
// count fails, both are reported missing.
func (d *Detector) extent(ctx context.Context, region Region, latest Image, baseline *Image, threshold float64) (*int, *int) {
	total, err := d.backend.PixelCountTotal(ctx, region, latest)
	if err != nil {
		d.logger.Warn("pixel count failed", "stage", "extent", "image_id", latest.ID, "error", err)
		return nil, nil
	}
	if baseline == nil {
		return nil, total
	}
	below, err := d.backend.PixelCountBelow(ctx, region, latest, *baseline, threshold)
	if err != nil {
		d.logger.Warn("pixel count below threshold failed", "stage", "extent", "image_id", latest.ID, "error", err)
		return nil, nil
	}
	return below, total
}
