package raster

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func px(v float64) *float64 { return &v }

func region(t *testing.T, geojson string) domain.Region {
	t.Helper()
	r, err := domain.ParseRegion([]byte(geojson))
	require.NoError(t, err)
	return r
}

// tile is a 2x2 grid over [10,10]-[12,12]; each pixel is one degree square.
func tile(scenes ...Scene) Fixture {
	return Fixture{Width: 2, Height: 2, Bounds: &[4]float64{10, 10, 12, 12}, Scenes: scenes}
}

func at(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 10, 0, 0, 0, time.UTC)
}

const (
	wholeTile = `{"type":"Polygon","coordinates":[[[10,10],[12,10],[12,12],[10,12],[10,10]]]}`
	// westHalf covers the two pixel centers at lon 10.5.
	westHalf = `{"type":"Polygon","coordinates":[[[10,10],[11,10],[11,12],[10,12],[10,10]]]}`
	farAway  = `{"type":"Polygon","coordinates":[[[50,50],[51,50],[51,51],[50,51],[50,50]]]}`
)

func TestBackend_SeasonSeries(t *testing.T) {
	f := tile(
		Scene{AcquiredAt: at(time.August, 1), NDVI: []*float64{px(0.5), px(0.5), px(0.5), px(0.5)}},
		Scene{AcquiredAt: at(time.June, 1), NDVI: []*float64{px(0.6), px(0.6), px(0.6), px(0.6)}},
		Scene{AcquiredAt: at(time.October, 2), NDVI: []*float64{px(0.4), px(0.4), px(0.4), px(0.4)}},
	)
	b, err := New(f, discardLogger())
	require.NoError(t, err)

	start := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.October, 1, 0, 0, 0, 0, time.UTC)

	images, err := b.SeasonSeries(context.Background(), region(t, wholeTile), start, end)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.True(t, images[0].AcquiredAt.Before(images[1].AcquiredAt))

	again, err := b.SeasonSeries(context.Background(), region(t, wholeTile), start, end)
	require.NoError(t, err)
	assert.Equal(t, images, again, "scene IDs are stable")

	none, err := b.SeasonSeries(context.Background(), region(t, farAway), start, end)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestBackend_MedianComposite(t *testing.T) {
	f := tile(
		Scene{AcquiredAt: at(time.June, 1), NDVI: []*float64{px(0.2), nil, px(0.9), nil}},
		Scene{AcquiredAt: at(time.June, 6), NDVI: []*float64{px(0.4), px(0.5), px(0.1), nil}},
		Scene{AcquiredAt: at(time.June, 11), NDVI: []*float64{px(0.6), nil, px(0.3), nil}},
		Scene{AcquiredAt: at(time.June, 16), NDVI: []*float64{px(0.8), nil, nil, nil}},
	)
	b, err := New(f, discardLogger())
	require.NoError(t, err)

	scenes, err := b.SeasonSeries(context.Background(), region(t, wholeTile), at(time.January, 1), at(time.December, 1))
	require.NoError(t, err)

	composite, err := b.MedianComposite(context.Background(), scenes)
	require.NoError(t, err)

	pixels, err := b.lookup(composite.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, *pixels[0], 1e-9, "even count averages the middle pair")
	assert.InDelta(t, 0.5, *pixels[1], 1e-9, "single valid value")
	assert.InDelta(t, 0.3, *pixels[2], 1e-9)
	assert.Nil(t, pixels[3], "masked everywhere stays masked")

	_, err = b.MedianComposite(context.Background(), []domain.Image{{ID: "missing"}})
	require.ErrorIs(t, err, ErrUnknownImage)
}

func TestBackend_YearlyMedianComposite(t *testing.T) {
	f := Fixture{Width: 1, Height: 1, Scenes: []Scene{
		{AcquiredAt: time.Date(2021, time.July, 1, 0, 0, 0, 0, time.UTC), NDVI: []*float64{px(0.7)}},
		{AcquiredAt: time.Date(2021, time.November, 1, 0, 0, 0, 0, time.UTC), NDVI: []*float64{px(0.1)}},
		{AcquiredAt: time.Date(2022, time.July, 1, 0, 0, 0, 0, time.UTC), NDVI: []*float64{px(0.6)}},
	}}
	b, err := New(f, discardLogger())
	require.NoError(t, err)

	window := domain.SeasonWindow{Start: domain.MonthDay{Month: time.June, Day: 1}, End: domain.MonthDay{Month: time.October, Day: 1}}
	r := region(t, wholeTile)

	img, err := b.YearlyMedianComposite(context.Background(), r, 2021, window)
	require.NoError(t, err)
	require.NotNil(t, img)
	mean, err := b.RegionalMean(context.Background(), r, *img)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, *mean, 1e-9, "scenes outside the window are ignored")

	missing, err := b.YearlyMedianComposite(context.Background(), r, 2019, window)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBackend_Reductions(t *testing.T) {
	f := tile(
		Scene{AcquiredAt: at(time.June, 1), NDVI: []*float64{px(0.7), px(0.7), px(0.7), px(0.7)}},
		Scene{AcquiredAt: at(time.July, 1), NDVI: []*float64{px(0.5), px(0.65), nil, px(0.4)}},
	)
	b, err := New(f, discardLogger())
	require.NoError(t, err)

	scenes, err := b.SeasonSeries(context.Background(), region(t, wholeTile), at(time.January, 1), at(time.December, 1))
	require.NoError(t, err)
	baseline, scene := scenes[0], scenes[1]

	t.Run("whole tile", func(t *testing.T) {
		r := region(t, wholeTile)
		mean, err := b.RegionalMean(context.Background(), r, scene)
		require.NoError(t, err)
		assert.InDelta(t, (0.5+0.65+0.4)/3, *mean, 1e-9)

		below, err := b.PixelCountBelow(context.Background(), r, scene, baseline, -0.1)
		require.NoError(t, err)
		assert.Equal(t, 2, *below)

		total, err := b.PixelCountTotal(context.Background(), r, scene)
		require.NoError(t, err)
		assert.Equal(t, 3, *total)
	})

	t.Run("west half", func(t *testing.T) {
		r := region(t, westHalf)
		// West pixels are indices 0 and 2; index 2 is masked in the scene.
		mean, err := b.RegionalMean(context.Background(), r, scene)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, *mean, 1e-9)

		total, err := b.PixelCountTotal(context.Background(), r, scene)
		require.NoError(t, err)
		assert.Equal(t, 1, *total)
	})

	t.Run("outside the tile", func(t *testing.T) {
		r := region(t, farAway)
		mean, err := b.RegionalMean(context.Background(), r, scene)
		require.NoError(t, err)
		assert.Nil(t, mean)

		total, err := b.PixelCountTotal(context.Background(), r, scene)
		require.NoError(t, err)
		assert.Equal(t, 0, *total)
	})

	t.Run("unknown image", func(t *testing.T) {
		_, err := b.PixelCountTotal(context.Background(), region(t, wholeTile), domain.Image{ID: "nope"})
		require.ErrorIs(t, err, ErrUnknownImage)
	})
}

func TestBackend_CancelledContext(t *testing.T) {
	b, err := New(tile(), discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.SeasonSeries(ctx, region(t, wholeTile), at(time.January, 1), at(time.December, 1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFixture_Validate(t *testing.T) {
	cases := map[string]Fixture{
		"empty grid":     {Width: 0, Height: 3},
		"inverted bound": {Width: 1, Height: 1, Bounds: &[4]float64{12, 10, 10, 12}},
		"pixel count":    {Width: 2, Height: 2, Scenes: []Scene{{AcquiredAt: at(time.June, 1), NDVI: []*float64{px(1)}}}},
		"no timestamp":   {Width: 1, Height: 1, Scenes: []Scene{{NDVI: []*float64{px(1)}}}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, f.Validate())
		})
	}
}

func TestLoadFixture_RoundTrip(t *testing.T) {
	opts := DefaultGenerateOptions()
	opts.Width, opts.Height = 4, 4
	opts.FirstYear = 2024
	f := Generate(opts)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	b, err := Open(path, discardLogger())
	require.NoError(t, err)
	assert.Len(t, b.scenes, len(f.Scenes))

	_, err = Open(filepath.Join(t.TempDir(), "missing.json"), discardLogger())
	require.Error(t, err)
}

func TestGenerate_IsDeterministic(t *testing.T) {
	a := Generate(DefaultGenerateOptions())
	b := Generate(DefaultGenerateOptions())
	require.NoError(t, a.Validate())
	assert.Equal(t, a, b)
	// June 1 to Oct 1 at a five day revisit gives 25 scenes per year.
	assert.Len(t, a.Scenes, 7*25)
}

func TestBackend_MedianCompositeIsKeyedByInputs(t *testing.T) {
	f := tile(
		Scene{AcquiredAt: at(time.June, 1), NDVI: []*float64{px(0.2), px(0.4), px(0.6), px(0.8)}},
		Scene{AcquiredAt: at(time.June, 6), NDVI: []*float64{px(0.3), px(0.5), px(0.7), px(0.9)}},
	)
	b, err := New(f, discardLogger())
	require.NoError(t, err)

	scenes, err := b.SeasonSeries(context.Background(), region(t, wholeTile), at(time.January, 1), at(time.December, 1))
	require.NoError(t, err)
	before := len(b.images)

	first, err := b.MedianComposite(context.Background(), scenes)
	require.NoError(t, err)
	reversed, err := b.MedianComposite(context.Background(), []domain.Image{scenes[1], scenes[0]})
	require.NoError(t, err)
	single, err := b.MedianComposite(context.Background(), scenes[:1])
	require.NoError(t, err)

	assert.Equal(t, first.ID, reversed.ID, "input order does not matter")
	assert.NotEqual(t, first.ID, single.ID)
	assert.Len(t, b.images, before+2)
}

func TestDetect_RepeatedRunsDoNotGrowTheBackend(t *testing.T) {
	b, err := New(Generate(DefaultGenerateOptions()), discardLogger())
	require.NoError(t, err)
	detector := domain.NewDetector(b, discardLogger())
	field := region(t, fieldInTile)
	p := defaultParams(t)

	first, err := detector.Detect(context.Background(), field, p)
	require.NoError(t, err)
	settled := len(b.images)

	for range 20 {
		again, err := detector.Detect(context.Background(), field, p)
		require.NoError(t, err)
		assert.Equal(t, first.Fraction, again.Fraction)
	}
	assert.Len(t, b.images, settled)
}

func TestNew_NilLogger(t *testing.T) {
	b, err := New(tile(), nil)
	require.NoError(t, err)
	_, err = b.SeasonSeries(context.Background(), region(t, wholeTile), at(time.January, 1), at(time.December, 1))
	require.NoError(t, err)
}
