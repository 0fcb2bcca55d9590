package services

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"class-chat-backend/internal/logger"
)

// PDFParser extracts per-page text using the pure-Go reader. Pages that
// fail to decode are skipped, not fatal.
type PDFParser struct{}

func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

func (p *PDFParser) Extract(data []byte) ([]ParsedUnit, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	pages := reader.NumPage()
	units := make([]ParsedUnit, 0, pages)

	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			units = append(units, ParsedUnit{Number: i})
			continue
		}

		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			logger.Warn("Failed to extract PDF page, skipping", "page", i, "error", err)
			units = append(units, ParsedUnit{Number: i})
			continue
		}
		units = append(units, ParsedUnit{Number: i, Text: text})
	}
	return units, nil
}

func (p *PDFParser) Metadata(data []byte) DocumentMetadata {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return DocumentMetadata{}
	}

	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return DocumentMetadata{}
	}
	return DocumentMetadata{
		Title:  info.Key("Title").Text(),
		Author: info.Key("Author").Text(),
	}
}

func (p *PDFParser) Stats(units []ParsedUnit) ParseStats {
	return countStats(units)
}
