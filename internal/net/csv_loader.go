package net

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ManifestEntry is one sample listed in a manifest.
type ManifestEntry struct {
	Path string
	// Label is -1 when the manifest has no label column.
	Label int
}

// LoadManifest loads a CSV manifest of "path[,label]" rows.
// Relative paths are resolved against the manifest's directory.
// hasHeader skips the first line if true.
func LoadManifest(filename string, hasHeader bool) ([]ManifestEntry, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("csv file is empty")
	}

	startRow := 0
	if hasHeader {
		startRow = 1
	}

	if len(records) <= startRow {
		return nil, fmt.Errorf("csv file has no data rows")
	}

	dir := filepath.Dir(filename)
	entries := make([]ManifestEntry, 0, len(records)-startRow)
	for i := startRow; i < len(records); i++ {
		record := records[i]
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			return nil, fmt.Errorf("missing path at row %d", i)
		}
		if len(record) > 2 {
			return nil, fmt.Errorf("too many columns at row %d", i)
		}

		e := ManifestEntry{Path: strings.TrimSpace(record[0]), Label: -1}
		if !filepath.IsAbs(e.Path) {
			e.Path = filepath.Join(dir, e.Path)
		}
		if len(record) == 2 {
			label, err := strconv.Atoi(strings.TrimSpace(record[1]))
			if err != nil {
				return nil, fmt.Errorf("failed to parse label at row %d: %w", i, err)
			}
			e.Label = label
		}
		entries = append(entries, e)
	}

	return entries, nil
}
