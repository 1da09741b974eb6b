package dataprovider

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/logger"
)

const stooqCSVURL = "https://stooq.com/q/d/l/?s=%s&d1=%s&d2=%s&i=d"

// StooqProvider fetches daily bars from the Stooq CSV download endpoint.
// US tickers are suffixed with ".us" on their side.
type StooqProvider struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewStooqProvider creates a Stooq data source.
func NewStooqProvider(log *logger.Logger) *StooqProvider {
	return &StooqProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log,
	}
}

func (p *StooqProvider) Name() string {
	return "stooq"
}

func (p *StooqProvider) IsAvailable() bool {
	return true
}

func (p *StooqProvider) Fetch(ctx context.Context, symbol string, lookbackDays int) (contracts.BarSeries, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)

	url := fmt.Sprintf(stooqCSVURL,
		stooqSymbol(symbol),
		from.Format("20060102"),
		to.Format("20060102"),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	series, err := parseStooqCSV(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse response failed: %w", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"symbol": symbol,
		"bars":   series.Len(),
	}).Debug("Fetched Stooq daily bars")
	return series, nil
}

// stooqSymbol maps a plain US ticker to Stooq's naming.
func stooqSymbol(symbol string) string {
	s := strings.ToLower(symbol)
	if !strings.Contains(s, ".") {
		s += ".us"
	}
	return s
}

// parseStooqCSV reads the Date,Open,High,Low,Close,Volume layout. Rows that
// fail to parse are skipped rather than failing the whole series.
func parseStooqCSV(r io.Reader) (contracts.BarSeries, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	var series contracts.BarSeries
	for i, row := range records {
		if i == 0 || len(row) < 6 {
			continue // header
		}

		day, err := time.Parse("2006-01-02", row[0])
		if err != nil {
			continue
		}

		open, err1 := strconv.ParseFloat(row[1], 64)
		high, err2 := strconv.ParseFloat(row[2], 64)
		low, err3 := strconv.ParseFloat(row[3], 64)
		closePrice, err4 := strconv.ParseFloat(row[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		volume, _ := strconv.ParseFloat(row[5], 64)

		series = append(series, contracts.Bar{
			Time:   day,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: int64(volume),
		})
	}
	return series, nil
}

var _ contracts.DataProvider = (*StooqProvider)(nil)
