package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// DataPoint is one observation of an economic series.
type DataPoint struct {
	Date  time.Time
	Value float64
}

// SeriesStore persists series observations and tracks which series are due
// for refresh. Writes must be idempotent upserts: the engine delivers
// at-least-once.
type SeriesStore interface {
	ListDueSeries(ctx context.Context, sourceKey string) ([]string, error)
	UpsertDataPoints(ctx context.Context, sourceKey, seriesID string, points []DataPoint) (int, error)
}

// FredAdapter fetches series observations from the FRED API. The work item
// is a FRED series identifier such as "GDP" or "UNRATE".
type FredAdapter struct {
	client       *http.Client
	store        SeriesStore
	baseURL      string
	apiKey       string
	defaultWork  []string
	observations int // page size per request
}

const fredDateLayout = "2006-01-02"

// NewFredAdapter wires the FRED reference adapter. defaultWork seeds the due
// list until the store knows any series.
func NewFredAdapter(client *http.Client, store SeriesStore, baseURL, apiKey string, defaultWork []string) *FredAdapter {
	if client == nil {
		client = NewHTTPClient()
	}
	if baseURL == "" {
		baseURL = "https://api.stlouisfed.org"
	}
	return &FredAdapter{
		client:       client,
		store:        store,
		baseURL:      baseURL,
		apiKey:       apiKey,
		defaultWork:  defaultWork,
		observations: 1000,
	}
}

func (f *FredAdapter) SourceKey() string { return "fred" }

// ListDueWork asks the store which series are due; a store that knows no
// series yet falls back to the configured seed set.
func (f *FredAdapter) ListDueWork(ctx context.Context) ([]string, error) {
	if f.store != nil {
		due, err := f.store.ListDueSeries(ctx, f.SourceKey())
		if err != nil {
			return nil, fmt.Errorf("list due FRED series: %w", err)
		}
		if len(due) > 0 {
			return due, nil
		}
	}
	return f.defaultWork, nil
}

type fredObservationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// FetchAndIngest pulls the observations for one series and upserts them.
// FRED encodes missing observations as "."; those are skipped and reported
// as a partial success rather than a failure.
func (f *FredAdapter) FetchAndIngest(ctx context.Context, seriesID string) Result {
	endpoint := fmt.Sprintf("%s/fred/series/observations?%s", f.baseURL, url.Values{
		"series_id": {seriesID},
		"api_key":   {f.apiKey},
		"file_type": {"json"},
		"limit":     {strconv.Itoa(f.observations)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{Status: StatusPermanent, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return ClassifyError(err)
	}
	defer resp.Body.Close()

	if status := ClassifyStatusCode(resp.StatusCode); status != StatusSucceeded {
		return Result{
			Status:      status,
			Detail:      fmt.Sprintf("FRED returned status %d for series %s", resp.StatusCode, seriesID),
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var payload fredObservationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Result{Status: StatusPermanent, Detail: fmt.Sprintf("malformed FRED response for %s: %v", seriesID, err)}
	}

	points := make([]DataPoint, 0, len(payload.Observations))
	skipped := 0
	for _, obs := range payload.Observations {
		if obs.Value == "." {
			// FRED's marker for a missing observation.
			skipped++
			continue
		}
		date, err := time.Parse(fredDateLayout, obs.Date)
		if err != nil {
			skipped++
			continue
		}
		value, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			skipped++
			continue
		}
		points = append(points, DataPoint{Date: date, Value: value})
	}

	ingested := len(points)
	if f.store != nil {
		ingested, err = f.store.UpsertDataPoints(ctx, f.SourceKey(), seriesID, points)
		if err != nil {
			return Result{Status: StatusRetryable, Detail: fmt.Sprintf("store FRED points for %s: %v", seriesID, err)}
		}
	}

	log.Debug().
		Str("series_id", seriesID).
		Int("points", ingested).
		Int("skipped", skipped).
		Msg("Ingested FRED observations")

	res := Result{
		Status:         StatusSucceeded,
		PointsIngested: ingested,
		PointsExpected: ingested + skipped,
	}
	if skipped > 0 {
		res.Detail = fmt.Sprintf("skipped %d of %d observations", skipped, ingested+skipped)
	}
	return res
}
