// Command simulate runs one detection against a raster fixture and prints the
// outcome as JSON. Without -fixture it evaluates a freshly generated tile.
//
// Usage:
//
//	go run ./cmd/simulate \
//	  -fixture data/fixtures/stressed_field.json \
//	  -geometry @data/fixtures/field.geojson \
//	  -min-fraction 0.2
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/crop-pest-detector/internal/adapter/raster"
	"github.com/couchcryptid/crop-pest-detector/internal/domain"
	"github.com/couchcryptid/crop-pest-detector/internal/observability"
)

const defaultGeometry = `{"type":"Polygon","coordinates":[[[77.495,22.995],[77.515,22.995],[77.515,23.015],[77.495,23.015],[77.495,22.995]]]}`

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fixture := flag.String("fixture", "", "raster fixture JSON (default: generated tile)")
	geometry := flag.String("geometry", defaultGeometry, "field GeoJSON, or @path to read it from a file")
	fieldID := flag.String("field-id", "simulated-field", "field identifier")
	seasonStart := flag.String("season-start", "", "season start YYYY-MM-DD")
	seasonEnd := flag.String("season-end", "", "season end YYYY-MM-DD")
	baselineYears := flag.String("baseline-years", "", "comma-separated baseline years")
	threshold := flag.String("threshold", "", "anomaly threshold")
	minFraction := flag.String("min-fraction", "", "minimum affected fraction")
	consecutive := flag.String("consecutive", "", "consecutive anomalous images needed")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := observability.NewLogger(*logLevel, "text")

	var (
		backend *raster.Backend
		err     error
	)
	if *fixture == "" {
		backend, err = raster.New(raster.Generate(raster.DefaultGenerateOptions()), logger)
	} else {
		backend, err = raster.Open(*fixture, logger)
	}
	if err != nil {
		return err
	}

	geo := *geometry
	if path, ok := strings.CutPrefix(geo, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read geometry: %w", err)
		}
		geo = string(data)
	}

	req := domain.DetectionRequest{
		FieldID:       *fieldID,
		Geometry:      json.RawMessage(geo),
		SeasonStart:   *seasonStart,
		SeasonEnd:     *seasonEnd,
		BaselineYears: *baselineYears,
	}
	if req.NDVIThreshold, err = optionalFloat("threshold", *threshold); err != nil {
		return err
	}
	if req.MinFraction, err = optionalFloat("min-fraction", *minFraction); err != nil {
		return err
	}
	if *consecutive != "" {
		n, err := strconv.Atoi(*consecutive)
		if err != nil {
			return fmt.Errorf("invalid -consecutive: %w", err)
		}
		req.ConsecutiveNeeded = &n
	}

	region, err := domain.ParseRegion(req.Geometry)
	if err != nil {
		return err
	}
	params, err := req.Params(domain.StandardDefaults())
	if err != nil {
		return err
	}

	result, err := domain.NewDetector(backend, logger).Detect(context.Background(), region, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(domain.NewOutcome(req, region, params, result))
}

func optionalFloat(name, s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid -%s: %w", name, err)
	}
	return &v, nil
}
