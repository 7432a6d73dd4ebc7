package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

const DefaultMaxRows = 1000

// RecipientRow represents a single recipient extracted from a CSV.
// Email is taken from the "Email" column and Name from an optional "Name"
// column (both case-insensitive). Fields holds every other column
// (header -> value) and is passed to the template as extra data.
type RecipientRow struct {
	Line   int
	Email  string
	Name   string
	Fields map[string]string
}

// ParseRecipientRows parses a CSV from an io.Reader. The CSV must contain a header row
// with an "Email" column (case-insensitive).
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx, nameIdx := -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "name"):
			nameIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows := make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		row := RecipientRow{Email: email, Fields: make(map[string]string, len(headers)-1)}
		row.Line, _ = reader.FieldPos(emailIdx)
		if nameIdx >= 0 {
			row.Name = strings.TrimSpace(record[nameIdx])
		}
		for i := range record {
			if i == emailIdx || i == nameIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			row.Fields[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return rows, nil
}
