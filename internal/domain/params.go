package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Detection defaults, matching the field-scouting presets.
const (
	DefaultAnomalyThreshold  = -0.10
	DefaultMinFraction       = 0.10
	DefaultConsecutiveNeeded = 2
	DefaultRecentWindow      = 5

	// DateLayout is the ISO calendar date format used for season bounds.
	DateLayout = "2006-01-02"
)

// ErrInvalidConfig marks a detection configuration that was rejected before
// any imagery was requested.
var ErrInvalidConfig = errors.New("invalid detection config")

// MonthDay is a calendar day without a year.
type MonthDay struct {
	Month time.Month
	Day   int
}

func (md MonthDay) String() string {
	return fmt.Sprintf("%02d-%02d", int(md.Month), md.Day)
}

// SeasonWindow is a within-year date window reused for every baseline year.
type SeasonWindow struct {
	Start MonthDay
	End   MonthDay
}

// Bounds maps the window onto a year. An end that falls before the start
// wraps into the following year.
func (w SeasonWindow) Bounds(year int) (time.Time, time.Time) {
	start := time.Date(year, w.Start.Month, w.Start.Day, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, w.End.Month, w.End.Day, 0, 0, 0, 0, time.UTC)
	if !end.After(start) {
		end = end.AddDate(1, 0, 0)
	}
	return start, end
}

func (w SeasonWindow) String() string {
	return w.Start.String() + "/" + w.End.String()
}

// Params is a validated detection configuration. It is passed through the
// detector unchanged.
type Params struct {
	SeasonStart       time.Time
	SeasonEnd         time.Time
	BaselineYears     []int
	AnomalyThreshold  float64
	MinFraction       float64
	ConsecutiveNeeded int
	RecentWindow      int
}

// BaselineWindow is the season's month/day span, applied to each baseline year.
func (p Params) BaselineWindow() SeasonWindow {
	return SeasonWindow{
		Start: MonthDay{Month: p.SeasonStart.Month(), Day: p.SeasonStart.Day()},
		End:   MonthDay{Month: p.SeasonEnd.Month(), Day: p.SeasonEnd.Day()},
	}
}

// Validate rejects configurations the detector cannot run with.
func (p Params) Validate() error {
	if len(p.BaselineYears) == 0 {
		return fmt.Errorf("%w: no valid baseline years", ErrInvalidConfig)
	}
	if p.SeasonStart.IsZero() || p.SeasonEnd.IsZero() {
		return fmt.Errorf("%w: season start and end are required", ErrInvalidConfig)
	}
	if !p.SeasonEnd.After(p.SeasonStart) {
		return fmt.Errorf("%w: season end %s is not after start %s", ErrInvalidConfig,
			p.SeasonEnd.Format(DateLayout), p.SeasonStart.Format(DateLayout))
	}
	// Anomalies are differences of two NDVI values, so they live in [-2, 2].
	if math.IsNaN(p.AnomalyThreshold) || p.AnomalyThreshold >= 0 || p.AnomalyThreshold < -2 {
		return fmt.Errorf("%w: ndvi threshold %g must be in [-2, 0)", ErrInvalidConfig, p.AnomalyThreshold)
	}
	if math.IsNaN(p.MinFraction) || p.MinFraction < 0 || p.MinFraction > 1 {
		return fmt.Errorf("%w: min fraction %g must be in [0, 1]", ErrInvalidConfig, p.MinFraction)
	}
	if p.ConsecutiveNeeded < 1 {
		return fmt.Errorf("%w: consecutive observations needed must be positive, got %d", ErrInvalidConfig, p.ConsecutiveNeeded)
	}
	if p.RecentWindow < 1 {
		return fmt.Errorf("%w: recent window must be positive, got %d", ErrInvalidConfig, p.RecentWindow)
	}
	return nil
}

// ParseBaselineYears splits a comma-separated year list. Tokens that are not
// integers are dropped silently.
func ParseBaselineYears(text string) []int {
	years := make([]int, 0, 8)
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	return years
}

// ParamDefaults fill request fields the caller left unset.
type ParamDefaults struct {
	SeasonStart       string
	SeasonEnd         string
	BaselineYears     string
	AnomalyThreshold  float64
	MinFraction       float64
	ConsecutiveNeeded int
	RecentWindow      int
}

// StandardDefaults mirrors the presets of the field-scouting form.
func StandardDefaults() ParamDefaults {
	return ParamDefaults{
		SeasonStart:       "2025-06-01",
		SeasonEnd:         "2025-10-01",
		BaselineYears:     "2019,2020,2021,2022,2023",
		AnomalyThreshold:  DefaultAnomalyThreshold,
		MinFraction:       DefaultMinFraction,
		ConsecutiveNeeded: DefaultConsecutiveNeeded,
		RecentWindow:      DefaultRecentWindow,
	}
}

// Params resolves the defaults into a validated Params.
func (d ParamDefaults) Params() (Params, error) {
	return DetectionRequest{}.Params(d)
}

func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not a YYYY-MM-DD date", ErrInvalidConfig, field, value)
	}
	return t, nil
}
