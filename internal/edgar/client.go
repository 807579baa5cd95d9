// Package edgar downloads company filings from the SEC EDGAR archive.
//
// All outbound requests are serialized through a single permit with a
// minimum inter-request interval (100 ms by default, EDGAR's published
// fair-access rule) and carry a contact-bearing User-Agent. The rate gate
// is process-local; running several worker processes on one host needs an
// external gate or the archive sees burstier traffic than intended.
package edgar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNoFilingsFound indicates the archive produced zero documents for the
// request. The pipeline records it as a failed batch; retrying cannot help.
var ErrNoFilingsFound = errors.New("no filings found")

// FilingDocument is one downloaded filing.
type FilingDocument struct {
	Content           []byte
	FileName          string
	FilingType        string
	AccessionNumber   string
	FilingDate        time.Time
	CompanyIdentifier string
}

// Config holds archive client configuration.
type Config struct {
	BaseURL              string // default https://www.sec.gov
	DataBaseURL          string // default https://data.sec.gov
	UserAgent            string // must include a contact address
	MinRequestInterval   time.Duration
	MaxFilingsToDownload int // <= 0 means no cap
	Timeout              time.Duration
}

// Client fetches filings from the archive.
type Client struct {
	httpClient *http.Client
	cfg        Config

	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient creates a new archive client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" || !strings.Contains(cfg.UserAgent, "@") {
		return nil, fmt.Errorf("user agent with contact address is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.sec.gov"
	}
	if cfg.DataBaseURL == "" {
		cfg.DataBaseURL = "https://data.sec.gov"
	}
	if cfg.MinRequestInterval <= 0 {
		cfg.MinRequestInterval = 100 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
	}, nil
}

// DownloadFilings resolves the company identifier, lists its filings of the
// requested form types, and downloads each primary document. Per-filing
// failures are skipped; an unresolvable identifier yields an empty result.
func (c *Client) DownloadFilings(ctx context.Context, companyIdentifier string, filingTypes []string) ([]FilingDocument, error) {
	cik, err := c.resolveCIK(ctx, companyIdentifier)
	if err != nil {
		return nil, err
	}
	if cik == "" {
		return nil, nil
	}

	filings, err := c.listFilings(ctx, cik, filingTypes)
	if err != nil {
		return nil, err
	}

	var documents []FilingDocument
	for _, f := range filings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := c.downloadFiling(ctx, cik, f)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue
		}
		if doc == nil {
			continue
		}
		doc.CompanyIdentifier = companyIdentifier
		documents = append(documents, *doc)
	}
	return documents, nil
}

// tickerEntry is one row of the company_tickers.json index.
type tickerEntry struct {
	CIK    int64  `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// resolveCIK maps a ticker or numeric key to a zero-padded 10-digit CIK.
// Numeric identifiers are taken verbatim; unknown tickers resolve to "".
func (c *Client) resolveCIK(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", nil
	}

	if isNumeric(identifier) {
		return fmt.Sprintf("%010s", identifier), nil
	}

	body, status, err := c.get(ctx, c.cfg.BaseURL+"/files/company_tickers.json")
	if err != nil {
		return "", fmt.Errorf("fetch ticker index: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("fetch ticker index: status %d", status)
	}

	var index map[string]tickerEntry
	if err := json.Unmarshal(body, &index); err != nil {
		return "", fmt.Errorf("decode ticker index: %w", err)
	}

	for _, entry := range index {
		if strings.EqualFold(entry.Ticker, identifier) {
			return fmt.Sprintf("%010d", entry.CIK), nil
		}
	}
	return "", nil
}

// filingRef identifies one filing within the submissions index.
type filingRef struct {
	Form            string
	AccessionNumber string
	FilingDate      time.Time
	PrimaryDocument string
}

// submissionsIndex mirrors the parallel arrays of the submissions feed.
type submissionsIndex struct {
	Filings struct {
		Recent struct {
			Form            []string `json:"form"`
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// listFilings walks the submissions index in positional lockstep, keeping
// entries whose form matches (case-insensitive) and whose date parses.
func (c *Client) listFilings(ctx context.Context, cik string, filingTypes []string) ([]filingRef, error) {
	url := fmt.Sprintf("%s/submissions/CIK%s.json", c.cfg.DataBaseURL, cik)
	body, status, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch submissions: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch submissions: status %d", status)
	}

	var index submissionsIndex
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}

	wanted := make(map[string]bool, len(filingTypes))
	for _, t := range filingTypes {
		wanted[strings.ToUpper(t)] = true
	}

	recent := index.Filings.Recent
	n := len(recent.Form)
	if len(recent.AccessionNumber) < n {
		n = len(recent.AccessionNumber)
	}
	if len(recent.FilingDate) < n {
		n = len(recent.FilingDate)
	}
	if len(recent.PrimaryDocument) < n {
		n = len(recent.PrimaryDocument)
	}

	var filings []filingRef
	for i := 0; i < n; i++ {
		if !wanted[strings.ToUpper(recent.Form[i])] {
			continue
		}
		date, err := time.Parse("2006-01-02", recent.FilingDate[i])
		if err != nil {
			continue
		}
		filings = append(filings, filingRef{
			Form:            recent.Form[i],
			AccessionNumber: recent.AccessionNumber[i],
			FilingDate:      date,
			PrimaryDocument: recent.PrimaryDocument[i],
		})
		if c.cfg.MaxFilingsToDownload > 0 && len(filings) >= c.cfg.MaxFilingsToDownload {
			break
		}
	}
	return filings, nil
}

// downloadFiling fetches one primary document. Non-success HTTP yields nil
// so the caller's loop continues.
func (c *Client) downloadFiling(ctx context.Context, cik string, f filingRef) (*FilingDocument, error) {
	url := fmt.Sprintf("%s/Archives/edgar/data/%s/%s/%s",
		c.cfg.BaseURL,
		strings.TrimLeft(cik, "0"),
		strings.ReplaceAll(f.AccessionNumber, "-", ""),
		f.PrimaryDocument,
	)

	body, status, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, nil
	}

	return &FilingDocument{
		Content:         body,
		FileName:        fmt.Sprintf("%s_%s_%s", f.Form, f.AccessionNumber, f.PrimaryDocument),
		FilingType:      f.Form,
		AccessionNumber: f.AccessionNumber,
		FilingDate:      f.FilingDate,
	}, nil
}

// get performs one archive request through the rate gate.
func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	if err := c.waitTurn(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	// Encoding negotiation stays with the transport: it offers gzip on its
	// own and only then decompresses the response transparently.
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// waitTurn holds the permit until the rate floor has elapsed since the
// previous request.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := c.cfg.MinRequestInterval - time.Since(c.lastRequest)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	c.lastRequest = time.Now()
	return nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
