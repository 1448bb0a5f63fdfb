// internal/ingest/csv.go
package ingest

import (
	"encoding/csv"
	"io"
	"strings"
)

// Recipients extracts an ordered recipient list from an uploaded CSV.
// The first row is a header: an "email" column selects that column,
// otherwise the first column is used. Blank cells are skipped. Address
// validity is the transport's problem, not ours.
func Recipients(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []string{}, nil
	}

	col := 0
	for i, field := range records[0] {
		if strings.EqualFold(strings.TrimSpace(field), "email") {
			col = i
			break
		}
	}

	recipients := []string{}
	for _, record := range records[1:] {
		if col >= len(record) {
			continue
		}
		addr := strings.TrimSpace(record[col])
		if addr == "" {
			continue
		}
		recipients = append(recipients, addr)
	}
	return recipients, nil
}
