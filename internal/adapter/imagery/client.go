package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
	"github.com/couchcryptid/crop-pest-detector/internal/observability"
)

// Reduction settings sent with every regional reduction.
const (
	ReductionScale     = 10
	ReductionMaxPixels = 1e9

	ndviBand = "NDVI"
)

// Client implements domain.ImageryBackend against an imagery gateway that
// exposes Sentinel-2 surface reflectance as NDVI images over JSON.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a gateway client. An empty token sends no Authorization header.
func NewClient(baseURL, token string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		metrics: metrics,
		logger:  logger,
	}
}

// SeasonSeries lists the cloud-masked scenes intersecting the region in [start, end).
func (c *Client) SeasonSeries(ctx context.Context, region domain.Region, start, end time.Time) ([]domain.Image, error) {
	req := seasonSeriesRequest{
		Geometry: region,
		Start:    start.Format(domain.DateLayout),
		End:      end.Format(domain.DateLayout),
	}
	var resp seasonSeriesResponse
	if err := c.post(ctx, "season_series", "/v1/season-series", req, &resp); err != nil {
		return nil, err
	}
	c.observeEmpty("season_series", len(resp.Images) == 0)
	return resp.Images, nil
}

// YearlyMedianComposite returns nil when the year has no imagery in the window.
func (c *Client) YearlyMedianComposite(ctx context.Context, region domain.Region, year int, window domain.SeasonWindow) (*domain.Image, error) {
	start, end := window.Bounds(year)
	req := yearlyCompositeRequest{
		Geometry: region,
		Year:     year,
		Start:    start.Format(domain.DateLayout),
		End:      end.Format(domain.DateLayout),
	}
	var resp imageResponse
	if err := c.post(ctx, "yearly_composite", "/v1/yearly-composite", req, &resp); err != nil {
		return nil, err
	}
	c.observeEmpty("yearly_composite", resp.Image == nil)
	return resp.Image, nil
}

// MedianComposite reduces several images to their per-pixel median.
func (c *Client) MedianComposite(ctx context.Context, images []domain.Image) (domain.Image, error) {
	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	var resp imageResponse
	if err := c.post(ctx, "median_composite", "/v1/median-composite", medianCompositeRequest{Images: ids}, &resp); err != nil {
		return domain.Image{}, err
	}
	if resp.Image == nil {
		c.observeEmpty("median_composite", true)
		return domain.Image{}, fmt.Errorf("median composite of %d images returned no image", len(images))
	}
	c.observeEmpty("median_composite", false)
	return *resp.Image, nil
}

// RegionalMean is nil when no valid pixel falls inside the region.
func (c *Client) RegionalMean(ctx context.Context, region domain.Region, img domain.Image) (*float64, error) {
	req := reduceRequest{
		Geometry:  region,
		Image:     img.ID,
		Band:      ndviBand,
		Scale:     ReductionScale,
		MaxPixels: ReductionMaxPixels,
	}
	var resp meanResponse
	if err := c.post(ctx, "regional_mean", "/v1/reduce/mean", req, &resp); err != nil {
		return nil, err
	}
	c.observeEmpty("regional_mean", resp.Value == nil)
	return resp.Value, nil
}

// PixelCountBelow counts pixels where img minus baseline is below threshold.
func (c *Client) PixelCountBelow(ctx context.Context, region domain.Region, img, baseline domain.Image, threshold float64) (*int, error) {
	req := reduceRequest{
		Geometry:  region,
		Image:     img.ID,
		Baseline:  baseline.ID,
		Threshold: &threshold,
		Band:      ndviBand,
		Scale:     ReductionScale,
		MaxPixels: ReductionMaxPixels,
	}
	var resp countResponse
	if err := c.post(ctx, "count_below", "/v1/reduce/count-below", req, &resp); err != nil {
		return nil, err
	}
	c.observeEmpty("count_below", resp.Count == nil)
	return resp.Count, nil
}

// PixelCountTotal counts the valid pixels of img inside the region.
func (c *Client) PixelCountTotal(ctx context.Context, region domain.Region, img domain.Image) (*int, error) {
	req := reduceRequest{
		Geometry:  region,
		Image:     img.ID,
		Band:      ndviBand,
		Scale:     ReductionScale,
		MaxPixels: ReductionMaxPixels,
	}
	var resp countResponse
	if err := c.post(ctx, "count_total", "/v1/reduce/count", req, &resp); err != nil {
		return nil, err
	}
	c.observeEmpty("count_total", resp.Count == nil)
	return resp.Count, nil
}

func (c *Client) post(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.BackendDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.BackendRequests.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.BackendRequests.WithLabelValues(method, "error").Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("imagery gateway error: %s: status %d: %s", method, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.BackendRequests.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) observeEmpty(method string, empty bool) {
	outcome := "success"
	if empty {
		outcome = "empty"
		c.logger.Debug("imagery gateway returned no data", "method", method)
	}
	c.metrics.BackendRequests.WithLabelValues(method, outcome).Inc()
}

// Gateway wire types.

type seasonSeriesRequest struct {
	Geometry domain.Region `json:"geometry"`
	Start    string        `json:"start"`
	End      string        `json:"end"`
}

type seasonSeriesResponse struct {
	Images []domain.Image `json:"images"`
}

type yearlyCompositeRequest struct {
	Geometry domain.Region `json:"geometry"`
	Year     int           `json:"year"`
	Start    string        `json:"start"`
	End      string        `json:"end"`
}

type medianCompositeRequest struct {
	Images []string `json:"images"`
}

type imageResponse struct {
	Image *domain.Image `json:"image"`
}

type reduceRequest struct {
	Geometry  domain.Region `json:"geometry"`
	Image     string        `json:"image"`
	Baseline  string        `json:"baseline,omitempty"`
	Threshold *float64      `json:"threshold,omitempty"`
	Band      string        `json:"band"`
	Scale     int           `json:"scale"`
	MaxPixels float64       `json:"max_pixels"`
}

type meanResponse struct {
	Value *float64 `json:"value"`
}

type countResponse struct {
	Count *int `json:"count"`
}
