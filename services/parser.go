package services

import (
	"fmt"
	"path"
	"strings"
)

// Document formats handled by ingestion.
const (
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
)

// ParsedUnit is one page (PDF) or paragraph (DOCX) of extracted text.
// Number is 1-based.
type ParsedUnit struct {
	Number int
	Text   string
}

// DocumentMetadata is provenance carried onto every chunk.
type DocumentMetadata struct {
	Title  string
	Author string
}

// ParseStats summarizes an extraction run.
type ParseStats struct {
	UnitsTotal int
	UnitsEmpty int
	TotalChars int
}

// DocumentParser extracts units of text plus metadata from a raw file.
// Extraction errors on a single unit are logged and the unit skipped;
// a non-nil error means the whole file is unreadable.
type DocumentParser interface {
	Extract(data []byte) ([]ParsedUnit, error)
	Metadata(data []byte) DocumentMetadata
	Stats(units []ParsedUnit) ParseStats
}

// DetectFormat picks the parser format from the trailing extension of
// the object key.
func DetectFormat(key string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(key), ".")) {
	case "pdf":
		return FormatPDF, nil
	case "docx":
		return FormatDOCX, nil
	default:
		return "", fmt.Errorf("unsupported document format: %s", path.Ext(key))
	}
}

// ParserFor returns the parser implementation for a detected format.
func ParserFor(format string) (DocumentParser, error) {
	switch format {
	case FormatPDF:
		return NewPDFParser(), nil
	case FormatDOCX:
		return NewDOCXParser(), nil
	default:
		return nil, fmt.Errorf("no parser for format %q", format)
	}
}

func countStats(units []ParsedUnit) ParseStats {
	stats := ParseStats{UnitsTotal: len(units)}
	for _, u := range units {
		if strings.TrimSpace(u.Text) == "" {
			stats.UnitsEmpty++
			continue
		}
		stats.TotalChars += len(u.Text)
	}
	return stats
}
