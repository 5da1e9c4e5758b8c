package names

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseSnapshotCSV reads code,name rows. A leading header row whose first
// column is "code" is skipped; rows with fewer than two columns are ignored.
func ParseSnapshotCSV(r io.Reader) ([]SnapshotRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows []SnapshotRow
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot csv: %w", err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
				continue
			}
		}
		if len(rec) < 2 {
			continue
		}
		rows = append(rows, SnapshotRow{
			Code: strings.TrimSpace(rec[0]),
			Name: strings.TrimSpace(rec[1]),
		})
	}
	return rows, nil
}

// LoadSnapshotFile reads a snapshot CSV from disk.
func LoadSnapshotFile(path string) ([]SnapshotRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return ParseSnapshotCSV(f)
}
