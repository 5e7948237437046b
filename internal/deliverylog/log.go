// Package deliverylog persists one outcome row per recipient of the
// current job to a flat CSV file. The file is rewritten at job start and
// flushed to disk after every row, so a crash after send N still leaves
// rows 1..N readable.
package deliverylog

import (
	"encoding/csv"
	"os"
	"sync"

	"dmailer/internal/models"
)

const smtpLoginFailed = "smtp login failed"

// Log is the per-job outcome file. Writes happen on the dispatch
// goroutine; reads can come from any number of status-query callers.
type Log struct {
	mu      sync.Mutex
	path    string
	columns []string
}

func New(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string {
	return l.path
}

// Reset truncates the log for a new job and writes the header row:
// the job's recipient columns plus Status and Error. Idempotent.
func (l *Log) Reset(columns []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.columns = append([]string(nil), columns...)

	f, err := os.Create(l.path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(append(l.columns, "Status", "Error")); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// Append writes one outcome row and syncs it to disk before returning.
func (l *Log) Append(row models.LogRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	record := make([]string, 0, len(l.columns)+2)
	for _, col := range l.columns {
		record = append(record, row.Fields[col])
	}
	record = append(record, string(row.Status), row.Error)

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// WriteConnectFailure fans a transport login failure out to every
// recipient: one Failed row each, no send attempted.
func (l *Log) WriteConnectFailure(recipients []models.Recipient) error {
	for _, r := range recipients {
		row := models.LogRow{
			Fields: r.Fields,
			Status: models.StatusFailed,
			Error:  smtpLoginFailed,
		}
		if err := l.Append(row); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll returns the logged rows in append order. A missing, empty, or
// unparseable file yields no rows rather than an error: the log may not
// exist yet, or a new job may be resetting it mid-read.
func (l *Log) ReadAll() []models.LogRow {
	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil || len(records) < 1 {
		return nil
	}

	header := records[0]
	if len(header) < 2 {
		return nil
	}
	// Status and Error are the last two header columns.
	fieldCols := header[:len(header)-2]

	rows := make([]models.LogRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) != len(header) {
			continue
		}
		fields := make(map[string]string, len(fieldCols))
		for i, col := range fieldCols {
			fields[col] = rec[i]
		}
		rows = append(rows, models.LogRow{
			Fields: fields,
			Status: models.DeliveryStatus(rec[len(rec)-2]),
			Error:  rec[len(rec)-1],
		})
	}
	return rows
}

// Summarize derives sent/failed counts from the log. The counts always
// sum to the number of rows ReadAll returns.
func (l *Log) Summarize() (sent, failed int) {
	for _, row := range l.ReadAll() {
		if row.Status == models.StatusSent {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}
