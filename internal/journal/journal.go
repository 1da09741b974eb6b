package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/logger"
)

// Journal is the append-only trade log. Records go to one JSON-lines file
// per month (trades_YYYYMM.jsonl) so a month of activity stays in one
// greppable file. A journal write failure never blocks trading; it is
// logged and the cycle moves on.
type Journal struct {
	dir    string
	logger *logger.Logger
	mirror *Repository
	mu     sync.Mutex
}

// New creates a journal writing into dir, creating it if needed.
func New(dir string, log *logger.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir, logger: log}, nil
}

// WithMirror also writes each record to PostgreSQL. Mirror failures are
// logged, not returned; the file is the source of truth.
func (j *Journal) WithMirror(repo *Repository) *Journal {
	j.mirror = repo
	return j
}

// Record appends a trade to the current month's file.
func (j *Journal) Record(trade *contracts.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.monthFile(trade)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}

	j.logger.WithFields(map[string]interface{}{
		"symbol": trade.Symbol,
		"action": trade.Action,
		"qty":    trade.Quantity,
		"price":  trade.Price,
		"file":   filepath.Base(path),
	}).Debug("Trade journaled")

	if j.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.mirror.SaveTrade(ctx, trade); err != nil {
			j.logger.WithError(err).WithField("symbol", trade.Symbol).Warn("Trade mirror write failed")
		}
	}
	return nil
}

// ReadMonth loads every record from one month's file. A missing file means
// no trades that month, not an error.
func (j *Journal) ReadMonth(year int, month int) ([]contracts.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := filepath.Join(j.dir, fmt.Sprintf("trades_%04d%02d.jsonl", year, month))

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal file: %w", err)
	}

	return decodeLines(data)
}

func (j *Journal) monthFile(trade *contracts.TradeRecord) string {
	return filepath.Join(j.dir, "trades_"+trade.Timestamp.Format("200601")+".jsonl")
}

func decodeLines(data []byte) ([]contracts.TradeRecord, error) {
	var records []contracts.TradeRecord

	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var rec contracts.TradeRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return records, fmt.Errorf("corrupt journal line: %w", err)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}
