package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/tomasbasham/eoa/internal/storage"
)

var exportHeader = []string{"provider_id", "targeted_count", "last_saved", "permanent"}

// ExcludedRecords returns the records of every provider at or above quota,
// sorted by provider id. Rows that cannot be interpreted are skipped.
func (l *Ledger) ExcludedRecords(ctx context.Context, quota int) ([]Record, error) {
	scan, err := l.table.Scan(ctx, Filter{MinCount: quota})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(scan.Records))
	for _, r := range scan.Records {
		if r.TargetedCount < 0 {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ProviderID < out[b].ProviderID })
	return out, nil
}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{r.ProviderID, strconv.Itoa(r.TargetedCount), r.LastSaved, strconv.FormatBool(r.Permanent)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Export writes the excluded records as CSV to key in dst and returns how
// many were written.
func (l *Ledger) Export(ctx context.Context, dst storage.Store, key string, quota int) (int, error) {
	records, err := l.ExcludedRecords(ctx, quota)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return 0, fmt.Errorf("ledger: encode export: %w", err)
	}
	if err := storage.PutBytes(ctx, dst, key, buf.Bytes(), storage.ContentTypeCSV); err != nil {
		return 0, err
	}
	l.logger.InfoContext(ctx, "exported exclusions", "key", key, "records", len(records))
	return len(records), nil
}
