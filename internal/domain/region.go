package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// ErrInvalidRegion is returned when a geometry cannot be used as a field boundary.
var ErrInvalidRegion = errors.New("invalid region")

// Region is an immutable field boundary: one closed outer ring of lon/lat
// positions plus optional closed holes.
type Region struct {
	polygon orb.Polygon
}

// NewRegion validates a polygon and takes a private copy of it.
func NewRegion(p orb.Polygon) (Region, error) {
	if len(p) == 0 {
		return Region{}, fmt.Errorf("%w: polygon has no rings", ErrInvalidRegion)
	}
	for i, ring := range p {
		if len(ring) < 4 {
			return Region{}, fmt.Errorf("%w: ring %d has %d positions, need at least 4", ErrInvalidRegion, i, len(ring))
		}
		if !ring.Closed() {
			return Region{}, fmt.Errorf("%w: ring %d is not closed", ErrInvalidRegion, i)
		}
		for _, pt := range ring {
			if !validPosition(pt) {
				return Region{}, fmt.Errorf("%w: position %v out of range", ErrInvalidRegion, pt)
			}
		}
	}
	return Region{polygon: p.Clone()}, nil
}

func validPosition(pt orb.Point) bool {
	lon, lat := pt.Lon(), pt.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// ParseRegion reads a GeoJSON Polygon from a bare geometry, a Feature, or the
// first feature of a FeatureCollection.
func ParseRegion(data []byte) (Region, error) {
	var shape struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Region{}, fmt.Errorf("%w: %w", ErrInvalidRegion, err)
	}

	var g orb.Geometry
	switch strings.ToLower(shape.Type) {
	case "featurecollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %w", ErrInvalidRegion, err)
		}
		if len(fc.Features) == 0 {
			return Region{}, fmt.Errorf("%w: feature collection is empty", ErrInvalidRegion)
		}
		g = fc.Features[0].Geometry
	case "feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %w", ErrInvalidRegion, err)
		}
		g = f.Geometry
	default:
		geom, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %w", ErrInvalidRegion, err)
		}
		g = geom.Geometry()
	}

	p, ok := g.(orb.Polygon)
	if !ok {
		name := "null"
		if g != nil {
			name = g.GeoJSONType()
		}
		return Region{}, fmt.Errorf("%w: geometry type %s, want Polygon", ErrInvalidRegion, name)
	}
	return NewRegion(p)
}

// IsZero reports whether the region was never initialized.
func (r Region) IsZero() bool { return len(r.polygon) == 0 }

// Polygon returns a copy of the boundary.
func (r Region) Polygon() orb.Polygon { return r.polygon.Clone() }

// AreaHectares is the geodesic area of the region.
func (r Region) AreaHectares() float64 {
	return math.Abs(geo.Area(r.polygon)) / 10_000
}

// PerimeterMeters is the geodesic length of every ring.
func (r Region) PerimeterMeters() float64 {
	return geo.Length(r.polygon)
}

// Key is a stable digest of the boundary coordinates, suitable for cache keys.
func (r Region) Key() string {
	var b strings.Builder
	for _, ring := range r.polygon {
		for _, pt := range ring {
			b.WriteString(strconv.FormatFloat(pt.Lon(), 'f', 7, 64))
			b.WriteByte(',')
			b.WriteString(strconv.FormatFloat(pt.Lat(), 'f', 7, 64))
			b.WriteByte(';')
		}
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// MarshalJSON encodes the region as a GeoJSON Polygon geometry.
func (r Region) MarshalJSON() ([]byte, error) {
	return json.Marshal(geojson.NewGeometry(r.polygon))
}

// UnmarshalJSON accepts anything ParseRegion accepts.
func (r *Region) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRegion(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
