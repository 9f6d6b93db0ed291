package domain

import (
	"context"
	"time"
)

// Image is an opaque handle to a scene or composite held by the imagery backend.
type Image struct {
	ID         string    `json:"id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ImageryBackend supplies the scenes and regional reductions the detector needs.
// Reductions run at 10 m ground resolution. A nil pointer result means the
// reduction found no valid pixels.
type ImageryBackend interface {
	// SeasonSeries returns the NDVI scenes intersecting region with
	// start <= acquisition < end, oldest first.
	SeasonSeries(ctx context.Context, region Region, start, end time.Time) ([]Image, error)

	// YearlyMedianComposite returns the per-pixel median NDVI composite of one
	// year's window, or nil when the year has no imagery.
	YearlyMedianComposite(ctx context.Context, region Region, year int, window SeasonWindow) (*Image, error)

	// MedianComposite combines composites into their per-pixel median.
	MedianComposite(ctx context.Context, images []Image) (Image, error)

	// RegionalMean is the mean NDVI of img over region.
	RegionalMean(ctx context.Context, region Region, img Image) (*float64, error)

	// PixelCountBelow counts pixels where img - baseline < threshold.
	PixelCountBelow(ctx context.Context, region Region, img, baseline Image, threshold float64) (*int, error)

	// PixelCountTotal counts the valid pixels of img over region.
	PixelCountTotal(ctx context.Context, region Region, img Image) (*int, error)
}
