package raster

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"
)

// Fixture is a stack of NDVI grids over one area. Pixels are row-major with
// row 0 at the north edge; a null pixel is cloud-masked.
type Fixture struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	// Bounds is [minLon, minLat, maxLon, maxLat]. Without bounds every pixel
	// is treated as inside any region.
	Bounds *[4]float64 `json:"bounds,omitempty"`
	Scenes []Scene     `json:"scenes"`
}

// Scene is one acquisition.
type Scene struct {
	AcquiredAt time.Time  `json:"acquired_at"`
	NDVI       []*float64 `json:"ndvi"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates a fixture.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Validate checks grid dimensions and bounds.
func (f Fixture) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("fixture grid %dx%d must be positive", f.Width, f.Height)
	}
	if b := f.Bounds; b != nil && (b[0] >= b[2] || b[1] >= b[3]) {
		return errors.New("fixture bounds must be [minLon, minLat, maxLon, maxLat]")
	}
	n := f.Width * f.Height
	for i, s := range f.Scenes {
		if len(s.NDVI) != n {
			return fmt.Errorf("scene %d has %d pixels, want %d", i, len(s.NDVI), n)
		}
		if s.AcquiredAt.IsZero() {
			return fmt.Errorf("scene %d has no acquisition time", i)
		}
	}
	return nil
}

// GenerateOptions shape a synthetic fixture: a healthy seasonal NDVI curve for
// every year plus a stressed patch in the final year.
type GenerateOptions struct {
	Width, Height int
	Bounds        [4]float64
	FirstYear     int
	LastYear      int
	Window        [2]time.Time // month/day span used every year
	RevisitDays   int
	CloudFraction float64 // share of pixels masked in each scene
	// StressFraction is the share of the grid, taken from the west edge,
	// whose NDVI drops by StressDrop from StressStart in LastYear.
	StressFraction float64
	StressDrop     float64
	StressStart    time.Time
	Seed           uint64
}

// DefaultGenerateOptions describes a 0.03 degree tile near Bhopal with
// clear history from 2019 and a 40% stressed patch from mid-July 2025.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Width:          30,
		Height:         30,
		Bounds:         [4]float64{77.49, 22.99, 77.52, 23.02},
		FirstYear:      2019,
		LastYear:       2025,
		Window:         [2]time.Time{time.Date(0, time.June, 1, 0, 0, 0, 0, time.UTC), time.Date(0, time.October, 1, 0, 0, 0, 0, time.UTC)},
		RevisitDays:    5,
		CloudFraction:  0.15,
		StressFraction: 0.40,
		StressDrop:     0.35,
		StressStart:    time.Date(2025, time.July, 15, 0, 0, 0, 0, time.UTC),
		Seed:           42,
	}
}

// Generate builds a deterministic fixture from opts.
func Generate(opts GenerateOptions) Fixture {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	bounds := opts.Bounds
	f := Fixture{Width: opts.Width, Height: opts.Height, Bounds: &bounds}

	stressedCols := int(math.Round(opts.StressFraction * float64(opts.Width)))
	revisit := max(opts.RevisitDays, 1)

	for year := opts.FirstYear; year <= opts.LastYear; year++ {
		start := time.Date(year, opts.Window[0].Month(), opts.Window[0].Day(), 10, 30, 0, 0, time.UTC)
		end := time.Date(year, opts.Window[1].Month(), opts.Window[1].Day(), 0, 0, 0, 0, time.UTC)
		season := end.Sub(start).Hours() / 24

		for t := start; t.Before(end); t = t.AddDate(0, 0, revisit) {
			phase := t.Sub(start).Hours() / 24 / season
			healthy := 0.62 + 0.08*math.Sin(math.Pi*phase)
			stressed := year == opts.LastYear && !t.Before(opts.StressStart)

			pixels := make([]*float64, opts.Width*opts.Height)
			for i := range pixels {
				if rng.Float64() < opts.CloudFraction {
					continue
				}
				v := healthy + (rng.Float64()-0.5)*0.04
				if stressed && i%opts.Width < stressedCols {
					v -= opts.StressDrop
				}
				v = math.Round(v*1e4) / 1e4
				pixels[i] = &v
			}
			f.Scenes = append(f.Scenes, Scene{AcquiredAt: t, NDVI: pixels})
		}
	}
	return f
}
