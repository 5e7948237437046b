package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"dmailer/internal/models"
)

// RequiredColumns must all be present (case-insensitive) in the header.
var RequiredColumns = []string{"name", "email", "company"}

// Table is the parsed recipient list: normalized column order plus one
// Recipient per data row, in input order.
type Table struct {
	Columns []string
	Rows    []models.Recipient
}

// ParseRecipients parses a recipient CSV. Headers are trimmed and
// lowercased; name, email and company are required; every other column
// is kept and exposed to the templates.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseRecipients(r io.Reader, maxRows int) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	columns := make([]string, len(headers))
	for i, h := range headers {
		columns[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var missing []string
	for _, req := range RequiredColumns {
		found := false
		for _, col := range columns {
			if col == req {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("csv must contain columns: %s", strings.Join(missing, ", "))
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	rows := make([]models.Recipient, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(columns) {
			// skip malformed row
			continue
		}

		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			if col == "" {
				continue
			}
			fields[col] = strings.TrimSpace(record[i])
		}
		rows = append(rows, models.Recipient{Fields: fields})
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return &Table{Columns: columns, Rows: rows}, nil
}
