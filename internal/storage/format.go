package storage

import (
	"path"
	"strings"

	"github.com/tomasbasham/eoa/internal/errs"
)

const (
	ContentTypeCSV     = "text/csv"
	ContentTypeTSV     = "text/tab-separated-values"
	ContentTypeParquet = "application/vnd.apache.parquet"
	ContentTypeXLSX    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypeXLSM    = "application/vnd.ms-excel.sheet.macroEnabled.12"
	ContentTypeXLS     = "application/vnd.ms-excel"
)

var contentTypes = map[string]string{
	".csv":     ContentTypeCSV,
	".txt":     ContentTypeTSV,
	".parquet": ContentTypeParquet,
	".xlsx":    ContentTypeXLSX,
	".xlsm":    ContentTypeXLSM,
	".xls":     ContentTypeXLS,
}

// ContentTypeFor resolves the MIME type of a tabular dataset from its key
// extension. Keys ending in "/" are directory markers and never resolve.
func ContentTypeFor(key string) (string, error) {
	if key == "" || strings.HasSuffix(key, "/") {
		return "", errs.New(errs.ErrUnsupportedFormat, "storage: %q is not a file", key)
	}
	ext := strings.ToLower(path.Ext(key))
	ct, ok := contentTypes[ext]
	if !ok {
		return "", errs.New(errs.ErrUnsupportedFormat, "storage: %q must be one of .csv, .txt, .parquet, .xlsx, .xlsm or .xls", key)
	}
	return ct, nil
}

// Extension returns the lower-cased extension of key, including the dot.
func Extension(key string) string {
	return strings.ToLower(path.Ext(key))
}
