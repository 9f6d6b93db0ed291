// Package raster implements domain.ImageryBackend over an in-memory stack of
// NDVI grids. It evaluates every reduction exactly, which makes it the
// reference backend for simulations and end-to-end tests.
package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/stat"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

// ErrUnknownImage is returned for image handles this backend did not issue.
var ErrUnknownImage = errors.New("unknown image")

// sceneNamespace derives stable scene IDs from acquisition times.
var sceneNamespace = uuid.MustParse("8f5d3c1e-6b0a-4e9f-9a57-2f0c4d1b7e63")

// compositeNamespace derives composite IDs from their sorted input IDs, so a
// composite is stored once however often it is requested.
var compositeNamespace = uuid.MustParse("3b6e2a90-51c4-4d7f-8e12-9c0a7f4d2b58")

type image struct {
	acquiredAt time.Time
	pixels     []*float64
}

// Backend serves one fixture. Composites are keyed by their inputs, so the
// stored set is bounded by the distinct input sets requested.
type Backend struct {
	width, height int
	bounds        *[4]float64
	scenes        []domain.Image
	logger        *slog.Logger

	mu     sync.RWMutex
	images map[string]image
	masks  map[string][]bool
}

// New indexes a validated fixture. A nil logger discards logs.
func New(f Fixture, logger *slog.Logger) (*Backend, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Backend{
		width:  f.Width,
		height: f.Height,
		bounds: f.Bounds,
		logger: logger,
		images: make(map[string]image, len(f.Scenes)),
		masks:  make(map[string][]bool),
	}
	for _, s := range f.Scenes {
		id := uuid.NewSHA1(sceneNamespace, []byte(s.AcquiredAt.UTC().Format(time.RFC3339Nano))).String()
		if _, dup := b.images[id]; dup {
			return nil, fmt.Errorf("duplicate scene at %s", s.AcquiredAt.Format(time.RFC3339))
		}
		b.images[id] = image{acquiredAt: s.AcquiredAt.UTC(), pixels: s.NDVI}
		b.scenes = append(b.scenes, domain.Image{ID: id, AcquiredAt: s.AcquiredAt.UTC()})
	}
	slices.SortStableFunc(b.scenes, func(x, y domain.Image) int { return x.AcquiredAt.Compare(y.AcquiredAt) })
	logger.Info("raster backend loaded", "scenes", len(b.scenes), "width", f.Width, "height", f.Height)
	return b, nil
}

// Open loads a fixture file and indexes it.
func Open(path string, logger *slog.Logger) (*Backend, error) {
	f, err := LoadFixture(path)
	if err != nil {
		return nil, err
	}
	return New(f, logger)
}

// SeasonSeries returns the scenes acquired in [start, end) over the region.
func (b *Backend) SeasonSeries(ctx context.Context, region domain.Region, start, end time.Time) ([]domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.covers(region) {
		return []domain.Image{}, nil
	}
	out := make([]domain.Image, 0)
	for _, s := range b.scenes {
		if !s.AcquiredAt.Before(start) && s.AcquiredAt.Before(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

// YearlyMedianComposite builds the per-pixel median of the year's scenes in
// the window, or nil if there are none.
func (b *Backend) YearlyMedianComposite(ctx context.Context, region domain.Region, year int, window domain.SeasonWindow) (*domain.Image, error) {
	start, end := window.Bounds(year)
	scenes, err := b.SeasonSeries(ctx, region, start, end)
	if err != nil {
		return nil, err
	}
	if len(scenes) == 0 {
		return nil, nil
	}
	img, err := b.MedianComposite(ctx, scenes)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// MedianComposite stores the per-pixel median of the given images. Masked
// pixels are skipped; a pixel masked in every input stays masked.
func (b *Backend) MedianComposite(ctx context.Context, images []domain.Image) (domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return domain.Image{}, err
	}
	if len(images) == 0 {
		return domain.Image{}, errors.New("median composite needs at least one image")
	}

	id := compositeID(images)

	b.mu.RLock()
	if _, ok := b.images[id]; ok {
		b.mu.RUnlock()
		return domain.Image{ID: id}, nil
	}
	inputs := make([]image, len(images))
	for i, handle := range images {
		img, ok := b.images[handle.ID]
		if !ok {
			b.mu.RUnlock()
			return domain.Image{}, fmt.Errorf("%w: %s", ErrUnknownImage, handle.ID)
		}
		inputs[i] = img
	}
	b.mu.RUnlock()

	n := b.width * b.height
	composite := make([]*float64, n)
	column := make(stats.Float64Data, 0, len(inputs))
	for p := range n {
		column = column[:0]
		for _, img := range inputs {
			if v := img.pixels[p]; v != nil {
				column = append(column, *v)
			}
		}
		if len(column) == 0 {
			continue
		}
		m, err := stats.Median(column)
		if err != nil {
			return domain.Image{}, fmt.Errorf("median of pixel %d: %w", p, err)
		}
		composite[p] = &m
	}

	b.mu.Lock()
	b.images[id] = image{pixels: composite}
	b.mu.Unlock()
	return domain.Image{ID: id}, nil
}

// compositeID is order independent because the per-pixel median is.
func compositeID(images []domain.Image) string {
	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	slices.Sort(ids)
	return uuid.NewSHA1(compositeNamespace, []byte(strings.Join(ids, ","))).String()
}

// RegionalMean averages the valid pixels inside the region.
func (b *Backend) RegionalMean(ctx context.Context, region domain.Region, img domain.Image) (*float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels, err := b.lookup(img.ID)
	if err != nil {
		return nil, err
	}
	mask := b.mask(region)

	values := make([]float64, 0, len(pixels))
	for p, v := range pixels {
		if mask[p] && v != nil {
			values = append(values, *v)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	mean := stat.Mean(values, nil)
	return &mean, nil
}

// PixelCountBelow counts region pixels valid in both images whose difference
// img minus baseline is below threshold.
func (b *Backend) PixelCountBelow(ctx context.Context, region domain.Region, img, baseline domain.Image, threshold float64) (*int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scene, err := b.lookup(img.ID)
	if err != nil {
		return nil, err
	}
	base, err := b.lookup(baseline.ID)
	if err != nil {
		return nil, err
	}
	mask := b.mask(region)

	count := 0
	for p := range scene {
		if !mask[p] || scene[p] == nil || base[p] == nil {
			continue
		}
		if *scene[p]-*base[p] < threshold {
			count++
		}
	}
	return &count, nil
}

// PixelCountTotal counts the valid region pixels of img.
func (b *Backend) PixelCountTotal(ctx context.Context, region domain.Region, img domain.Image) (*int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels, err := b.lookup(img.ID)
	if err != nil {
		return nil, err
	}
	mask := b.mask(region)

	count := 0
	for p, v := range pixels {
		if mask[p] && v != nil {
			count++
		}
	}
	return &count, nil
}

func (b *Backend) lookup(id string) ([]*float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	img, ok := b.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, id)
	}
	return img.pixels, nil
}

// covers reports whether the region overlaps the fixture bounds.
func (b *Backend) covers(region domain.Region) bool {
	if b.bounds == nil {
		return true
	}
	tile := orb.Bound{Min: orb.Point{b.bounds[0], b.bounds[1]}, Max: orb.Point{b.bounds[2], b.bounds[3]}}
	return tile.Intersects(region.Polygon().Bound())
}

// mask marks the pixels whose centers fall inside the region. Masks are
// cached per region.
func (b *Backend) mask(region domain.Region) []bool {
	key := region.Key()
	b.mu.RLock()
	m, ok := b.masks[key]
	b.mu.RUnlock()
	if ok {
		return m
	}

	m = make([]bool, b.width*b.height)
	if b.bounds == nil {
		for i := range m {
			m[i] = true
		}
	} else {
		poly := region.Polygon()
		dx := (b.bounds[2] - b.bounds[0]) / float64(b.width)
		dy := (b.bounds[3] - b.bounds[1]) / float64(b.height)
		for row := range b.height {
			lat := b.bounds[3] - (float64(row)+0.5)*dy
			for col := range b.width {
				lon := b.bounds[0] + (float64(col)+0.5)*dx
				m[row*b.width+col] = planar.PolygonContains(poly, orb.Point{lon, lat})
			}
		}
	}

	b.mu.Lock()
	b.masks[key] = m
	b.mu.Unlock()
	return m
}
