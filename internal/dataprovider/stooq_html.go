package dataprovider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/logger"
)

const stooqHTMLURL = "https://stooq.com/q/d/?s=%s&d1=%s&d2=%s&i=d"

// StooqHTMLProvider scrapes the Stooq daily-quotes page. It backs up the
// CSV endpoint, which rate-limits downloads well before the HTML pages.
type StooqHTMLProvider struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewStooqHTMLProvider creates the HTML scraping source.
func NewStooqHTMLProvider(log *logger.Logger) *StooqHTMLProvider {
	return &StooqHTMLProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log,
	}
}

func (p *StooqHTMLProvider) Name() string {
	return "stooq_html"
}

func (p *StooqHTMLProvider) IsAvailable() bool {
	return true
}

func (p *StooqHTMLProvider) Fetch(ctx context.Context, symbol string, lookbackDays int) (contracts.BarSeries, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)

	url := fmt.Sprintf(stooqHTMLURL,
		stooqSymbol(symbol),
		from.Format("20060102"),
		to.Format("20060102"),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Referer", "https://stooq.com/")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse HTML failed: %w", err)
	}

	series := parseQuoteTable(doc)

	p.logger.WithFields(map[string]interface{}{
		"symbol": symbol,
		"bars":   series.Len(),
	}).Debug("Scraped Stooq daily bars")
	return series, nil
}

// parseQuoteTable pulls bars out of the daily-quotes table. The page lists
// newest first; the result is re-sorted oldest first. Rows whose cells do
// not parse as a date plus four prices are skipped.
func parseQuoteTable(doc *goquery.Document) contracts.BarSeries {
	var series contracts.BarSeries

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 6 {
			return
		}

		fields := make([]string, 0, cells.Length())
		cells.Each(func(_ int, cell *goquery.Selection) {
			fields = append(fields, strings.TrimSpace(cell.Text()))
		})

		// layout: No | Date | Open | High | Low | Close | Volume
		day, err := parseQuoteDate(fields[1])
		if err != nil {
			return
		}

		open, err1 := parseQuoteNumber(fields[2])
		high, err2 := parseQuoteNumber(fields[3])
		low, err3 := parseQuoteNumber(fields[4])
		closePrice, err4 := parseQuoteNumber(fields[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return
		}

		var volume int64
		if len(fields) > 6 {
			v, _ := parseQuoteNumber(fields[6])
			volume = int64(v)
		}

		series = append(series, contracts.Bar{
			Time:   day,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	})

	sort.Slice(series, func(i, j int) bool {
		return series[i].Time.Before(series[j].Time)
	})
	return series
}

func parseQuoteDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2 Jan 2006", "Jan 2, 2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parseQuoteNumber(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, fmt.Errorf("empty cell")
	}
	return strconv.ParseFloat(s, 64)
}

var _ contracts.DataProvider = (*StooqHTMLProvider)(nil)
