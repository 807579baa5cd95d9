package edgar

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUA = "FilingSage-Test/1.0 (dev@example.com)"

// archiveFixture serves the three endpoints the client touches and records
// request arrival times.
type archiveFixture struct {
	server *httptest.Server

	mu       sync.Mutex
	arrivals []time.Time
	agents   []string
}

func newArchiveFixture(t *testing.T) *archiveFixture {
	return newArchiveFixtureCompressed(t, false)
}

// newArchiveFixtureCompressed optionally gzips every response when the
// request offers gzip, the way the production archive endpoints behave.
func newArchiveFixtureCompressed(t *testing.T, gzipResponses bool) *archiveFixture {
	t.Helper()
	f := &archiveFixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/files/company_tickers.json", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		fmt.Fprint(w, `{
			"0": {"cik_str": 320193, "ticker": "AAPL", "title": "Apple Inc."},
			"1": {"cik_str": 789019, "ticker": "MSFT", "title": "Microsoft Corp"}
		}`)
	})
	mux.HandleFunc("/submissions/CIK0000320193.json", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		fmt.Fprint(w, `{"filings": {"recent": {
			"form": ["10-K", "8-K", "10-K", "10-Q"],
			"accessionNumber": ["0000320193-23-000106", "0000320193-23-000090", "0000320193-22-000108", "0000320193-23-000077"],
			"filingDate": ["2023-11-03", "2023-08-04", "not-a-date", "2023-08-04"],
			"primaryDocument": ["aapl-20230930.htm", "aapl-8k.htm", "aapl-20220924.htm", "aapl-20230701.htm"]
		}}}`)
	})
	mux.HandleFunc("/Archives/edgar/data/320193/000032019323000106/aapl-20230930.htm", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		fmt.Fprint(w, "<html>annual report</html>")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		http.NotFound(w, r)
	})

	var handler http.Handler = mux
	if gzipResponses {
		handler = gzipWhenOffered(mux)
	}
	f.server = httptest.NewServer(handler)
	t.Cleanup(f.server.Close)
	return f
}

type gzipBodyWriter struct {
	http.ResponseWriter
	gz io.Writer
}

func (w gzipBodyWriter) Write(b []byte) (int, error) { return w.gz.Write(b) }

func gzipWhenOffered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		next.ServeHTTP(gzipBodyWriter{ResponseWriter: w, gz: gz}, r)
	})
}

func (f *archiveFixture) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arrivals = append(f.arrivals, time.Now())
	f.agents = append(f.agents, r.Header.Get("User-Agent"))
}

func (f *archiveFixture) client(t *testing.T, interval time.Duration, maxFilings int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:              f.server.URL,
		DataBaseURL:          f.server.URL,
		UserAgent:            testUA,
		MinRequestInterval:   interval,
		MaxFilingsToDownload: maxFilings,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresContactUserAgent(t *testing.T) {
	_, err := NewClient(Config{UserAgent: ""})
	assert.Error(t, err)

	_, err = NewClient(Config{UserAgent: "NoContact/1.0"})
	assert.Error(t, err)

	_, err = NewClient(Config{UserAgent: testUA})
	assert.NoError(t, err)
}

func TestDownloadFilingsByTicker(t *testing.T) {
	f := newArchiveFixture(t)
	c := f.client(t, time.Millisecond, 0)

	docs, err := c.DownloadFilings(context.Background(), "aapl", []string{"10-k"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, "10-K", doc.FilingType)
	assert.Equal(t, "0000320193-23-000106", doc.AccessionNumber)
	assert.Equal(t, "aapl", doc.CompanyIdentifier)
	assert.Equal(t, "10-K_0000320193-23-000106_aapl-20230930.htm", doc.FileName)
	assert.Equal(t, time.Date(2023, 11, 3, 0, 0, 0, 0, time.UTC), doc.FilingDate)
	assert.Equal(t, "<html>annual report</html>", string(doc.Content))

	// The second 10-K has an unparseable date and is dropped; its download
	// was never attempted.
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.arrivals, 3)
	for _, agent := range f.agents {
		assert.Equal(t, testUA, agent)
	}
}

func TestDownloadFilingsGzippedResponses(t *testing.T) {
	// The production archive compresses when gzip is offered. The transport
	// must both offer it and decompress, or every JSON parse fails and
	// filings get staged as gzip bytes.
	f := newArchiveFixtureCompressed(t, true)
	c := f.client(t, time.Millisecond, 0)

	docs, err := c.DownloadFilings(context.Background(), "AAPL", []string{"10-K"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "<html>annual report</html>", string(docs[0].Content))
}

func TestDownloadFilingsNumericKey(t *testing.T) {
	f := newArchiveFixture(t)
	c := f.client(t, time.Millisecond, 1)

	// Numeric identifiers skip the ticker index entirely.
	docs, err := c.DownloadFilings(context.Background(), "320193", []string{"10-K"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.arrivals, 2)
}

func TestDownloadFilingsUnknownTicker(t *testing.T) {
	f := newArchiveFixture(t)
	c := f.client(t, time.Millisecond, 0)

	docs, err := c.DownloadFilings(context.Background(), "ZZZZ", []string{"10-K"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDownloadFilingsSkipsFailedDownloads(t *testing.T) {
	f := newArchiveFixture(t)
	c := f.client(t, time.Millisecond, 0)

	// 8-K's primary document 404s; the filing is skipped, not fatal.
	docs, err := c.DownloadFilings(context.Background(), "AAPL", []string{"8-K"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRateFloor(t *testing.T) {
	f := newArchiveFixture(t)
	interval := 20 * time.Millisecond
	c := f.client(t, interval, 0)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, _, err := c.get(ctx, f.server.URL+"/files/company_tickers.json")
		require.NoError(t, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.arrivals, 20)
	// Arrival times carry a little scheduling jitter relative to send
	// times, so allow a small tolerance below the floor.
	tolerance := 2 * time.Millisecond
	for i := 1; i < len(f.arrivals); i++ {
		gap := f.arrivals[i].Sub(f.arrivals[i-1])
		assert.GreaterOrEqual(t, gap, interval-tolerance,
			"request %d arrived %v after its predecessor", i, gap)
	}
}

func TestRateFloorHonorsCancellation(t *testing.T) {
	f := newArchiveFixture(t)
	c := f.client(t, time.Hour, 0)

	// First request passes immediately, second would wait an hour.
	_, _, err := c.get(context.Background(), f.server.URL+"/files/company_tickers.json")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = c.get(ctx, f.server.URL+"/files/company_tickers.json")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
