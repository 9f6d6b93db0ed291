// Package domain decides whether a monitored field shows a pest-stress signal
// from a season of Sentinel-2 NDVI observations.
//
// # Data Source
//
// Imagery lives behind an [ImageryBackend]. The production backend is an
// imagery gateway fronting Sentinel-2 surface reflectance (COPERNICUS/S2_SR);
// tests and offline runs use a fixture-driven raster backend. The domain never
// sees pixels directly, only opaque [Image] handles and the reductions the
// backend computes over a [Region] at 10 m ground resolution.
//
// # Vegetation Index
//
// NDVI = (B8 - B4) / (B8 + B4), in [-1, 1]. A reduction over a region with no
// valid pixels (clouds, masked, out of swath) is a measurement gap, carried as
// a nil *float64. Gaps are never coerced to zero.
//
// # Decision Procedure
//
// Three stages compose linearly:
//
//	Baseline    per-year median composites over the season window of each
//	            baseline year, median across years, mean over the region
//	Anomalies   anomaly[i] = ndvi[i] - baseline, nil when either side is nil
//	Verdict     persistence AND spatial extent
//
// Persistence takes the last [Params.RecentWindow] non-nil anomalies (nil
// anomalies are skipped, not counted as slots), flags each anomaly that is at
// or below the threshold, and passes when some run of ConsecutiveNeeded flags
// is unbroken.
//
// Spatial extent uses the most recent scene only: the fraction of valid pixels
// where scene - baseline < threshold. An unobtainable count or a zero total
// leaves the fraction nil and the test fails closed.
//
//	pest_detected = persistence && frac != nil && *frac >= MinFraction
//
// # Failure Policy
//
// Only a rejected configuration ([ErrInvalidConfig]) or a failed season-series
// fetch aborts a detection. An empty season is a structured no-data [Result].
// Every other backend error, including transport failures, degrades to a nil
// value for that measurement and flows through the tests above. Transient
// faults and genuine data absence are deliberately not distinguished.
//
// # ID Generation
//
// Outcome IDs are deterministic SHA-256 hashes of the request fields, so a
// replayed request upserts the same history row. See [requestID].
package domain
