package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// FilingStore persists company-level facts extracted from SEC filings.
type FilingStore interface {
	UpsertCompanyFacts(ctx context.Context, cik, entityName string, factCount int) error
}

// EdgarAdapter ingests company facts from SEC EDGAR. The work item is a CIK
// (central index key). Byte-level XBRL parsing is out of scope here; the
// adapter consumes the pre-digested companyfacts JSON and only its outcome
// contract feeds back into the queue.
type EdgarAdapter struct {
	client    *http.Client
	store     FilingStore
	baseURL   string // www.sec.gov, for filing indexes
	dataURL   string // data.sec.gov, for companyfacts
	userAgent string
	ciks      []string
}

// NewEdgarAdapter wires the EDGAR adapter. SEC requires a descriptive
// User-Agent with a contact address; requests without one get blocked.
func NewEdgarAdapter(client *http.Client, store FilingStore, baseURL, dataURL, userAgent string, ciks []string) *EdgarAdapter {
	if client == nil {
		client = NewHTTPClient()
	}
	if baseURL == "" {
		baseURL = "https://www.sec.gov"
	}
	if dataURL == "" {
		dataURL = "https://data.sec.gov"
	}
	return &EdgarAdapter{
		client:    client,
		store:     store,
		baseURL:   baseURL,
		dataURL:   dataURL,
		userAgent: userAgent,
		ciks:      ciks,
	}
}

func (e *EdgarAdapter) SourceKey() string { return "sec_edgar" }

// ListDueWork merges the configured CIK set with filers discovered on the
// latest-filings page. Discovery is best-effort: an unreachable index never
// blocks the configured set.
func (e *EdgarAdapter) ListDueWork(ctx context.Context) ([]string, error) {
	due := make([]string, 0, len(e.ciks))
	seen := make(map[string]struct{}, len(e.ciks))
	for _, cik := range e.ciks {
		normalized := NormalizeCIK(cik)
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		due = append(due, normalized)
	}

	discovered, err := e.discoverRecentFilers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("EDGAR recent-filer discovery failed, using configured CIKs only")
		return due, nil
	}
	for _, cik := range discovered {
		if _, ok := seen[cik]; ok {
			continue
		}
		seen[cik] = struct{}{}
		due = append(due, cik)
	}
	return due, nil
}

// discoverRecentFilers scrapes CIKs out of the latest-filings HTML index.
func (e *EdgarAdapter) discoverRecentFilers(ctx context.Context) ([]string, error) {
	endpoint := e.baseURL + "/cgi-bin/browse-edgar?action=getcurrent&type=10-K&count=40"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("latest filings index returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse latest filings index: %w", err)
	}

	var ciks []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if cik := u.Query().Get("CIK"); cik != "" {
			ciks = append(ciks, NormalizeCIK(cik))
		}
	})
	return ciks, nil
}

type companyFactsResponse struct {
	EntityName string                                `json:"entityName"`
	Facts      map[string]map[string]json.RawMessage `json:"facts"`
}

// FetchAndIngest pulls the companyfacts document for one CIK and records the
// fact inventory. A CIK with no facts document is a permanent failure; the
// registry simply has nothing for it.
func (e *EdgarAdapter) FetchAndIngest(ctx context.Context, cik string) Result {
	cik = NormalizeCIK(cik)
	endpoint := fmt.Sprintf("%s/api/xbrl/companyfacts/CIK%s.json", e.dataURL, cik)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{Status: StatusPermanent, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return ClassifyError(err)
	}
	defer resp.Body.Close()

	if status := ClassifyStatusCode(resp.StatusCode); status != StatusSucceeded {
		return Result{
			Status:      status,
			Detail:      fmt.Sprintf("EDGAR returned status %d for CIK %s", resp.StatusCode, cik),
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var facts companyFactsResponse
	if err := json.NewDecoder(resp.Body).Decode(&facts); err != nil {
		return Result{Status: StatusPermanent, Detail: fmt.Sprintf("malformed companyfacts for CIK %s: %v", cik, err)}
	}

	factCount := 0
	for _, taxonomy := range facts.Facts {
		factCount += len(taxonomy)
	}

	if e.store != nil {
		if err := e.store.UpsertCompanyFacts(ctx, cik, facts.EntityName, factCount); err != nil {
			return Result{Status: StatusRetryable, Detail: fmt.Sprintf("store company facts for CIK %s: %v", cik, err)}
		}
	}

	log.Debug().
		Str("cik", cik).
		Str("entity", facts.EntityName).
		Int("facts", factCount).
		Msg("Ingested EDGAR company facts")

	return Result{Status: StatusSucceeded, PointsIngested: factCount, PointsExpected: factCount}
}

// NormalizeCIK left-pads a CIK to the canonical 10-digit form.
func NormalizeCIK(cik string) string {
	cik = strings.TrimSpace(strings.TrimPrefix(cik, "CIK"))
	if len(cik) >= 10 {
		return cik
	}
	return strings.Repeat("0", 10-len(cik)) + cik
}
