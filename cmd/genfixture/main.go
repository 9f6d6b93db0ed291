// Command genfixture writes a deterministic raster fixture for the raster
// imagery backend: several clear seasons followed by a season in which a strip
// of the tile loses vigor.
//
// Usage:
//
//	go run ./cmd/genfixture -out data/fixtures/stressed_field.json
//	go run ./cmd/genfixture -out data/fixtures/healthy_field.json -stress 0
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/crop-pest-detector/internal/adapter/raster"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	def := raster.DefaultGenerateOptions()

	out := flag.String("out", "", "output path for the fixture JSON")
	size := flag.Int("size", def.Width, "grid width and height in pixels")
	firstYear := flag.Int("first-year", def.FirstYear, "first season to generate")
	lastYear := flag.Int("last-year", def.LastYear, "last season; the stressed one")
	revisit := flag.Int("revisit", def.RevisitDays, "days between scenes")
	cloud := flag.Float64("cloud", def.CloudFraction, "share of pixels masked per scene")
	stress := flag.Float64("stress", def.StressFraction, "share of the tile that is stressed")
	drop := flag.Float64("drop", def.StressDrop, "NDVI drop in the stressed strip")
	stressStart := flag.String("stress-start", def.StressStart.Format(time.DateOnly), "first stressed day")
	seed := flag.Uint64("seed", def.Seed, "random seed")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("-out is required")
	}
	if *firstYear > *lastYear {
		return fmt.Errorf("first-year %d is after last-year %d", *firstYear, *lastYear)
	}
	start, err := time.Parse(time.DateOnly, *stressStart)
	if err != nil {
		return fmt.Errorf("invalid -stress-start: %w", err)
	}

	opts := def
	opts.Width, opts.Height = *size, *size
	opts.FirstYear, opts.LastYear = *firstYear, *lastYear
	opts.RevisitDays = *revisit
	opts.CloudFraction = *cloud
	opts.StressFraction = *stress
	opts.StressDrop = *drop
	opts.StressStart = start
	opts.Seed = *seed

	f := raster.Generate(opts)
	if err := f.Validate(); err != nil {
		return fmt.Errorf("generated fixture is invalid: %w", err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d scenes (%dx%d) to %s\n", len(f.Scenes), f.Width, f.Height, *out)
	return nil
}
