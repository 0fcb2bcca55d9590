package services

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"class-chat-backend/internal/logger"
)

// DOCXParser extracts sequential paragraphs from the WordprocessingML
// body. Paragraphs are numbered from 1 in reading order; tables are
// flattened one cell per paragraph so tabular content stays searchable.
type DOCXParser struct{}

func NewDOCXParser() *DOCXParser {
	return &DOCXParser{}
}

func (p *DOCXParser) Extract(data []byte) ([]ParsedUnit, error) {
	doc, err := readZipEntry(data, "word/document.xml")
	if err != nil {
		return nil, err
	}
	paragraphs, err := walkDocumentBody(doc)
	if err != nil {
		return nil, err
	}

	units := make([]ParsedUnit, len(paragraphs))
	for i, text := range paragraphs {
		units[i] = ParsedUnit{Number: i + 1, Text: text}
	}
	return units, nil
}

func (p *DOCXParser) Metadata(data []byte) DocumentMetadata {
	core, err := readZipEntry(data, "docProps/core.xml")
	if err != nil {
		return DocumentMetadata{}
	}

	var props struct {
		Title   string `xml:"title"`
		Creator string `xml:"creator"`
	}
	if err := xml.Unmarshal(core, &props); err != nil {
		logger.Debug("Failed to parse DOCX core properties", "error", err)
		return DocumentMetadata{}
	}
	return DocumentMetadata{Title: props.Title, Author: props.Creator}
}

func (p *DOCXParser) Stats(units []ParsedUnit) ParseStats {
	return countStats(units)
}

func readZipEntry(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open DOCX archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in DOCX archive", name)
}

// walkDocumentBody streams the document XML, emitting one string per
// top-level paragraph and one per table cell. Inner paragraphs of a
// cell are joined with spaces.
func walkDocumentBody(doc []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(doc))

	var (
		paragraphs []string
		current    strings.Builder
		cellDepth  int
		inPara     bool
	)

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	}

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse document XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tc":
				cellDepth++
			case "p":
				if cellDepth == 0 {
					inPara = true
				}
			case "t":
				var text string
				if err := decoder.DecodeElement(&text, &t); err != nil {
					continue
				}
				if inPara || cellDepth > 0 {
					current.WriteString(text)
				}
			case "tab":
				if inPara || cellDepth > 0 {
					current.WriteString("\t")
				}
			case "br", "cr":
				if inPara || cellDepth > 0 {
					current.WriteString("\n")
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tc":
				cellDepth--
				if cellDepth == 0 {
					flush()
				}
			case "p":
				if cellDepth > 0 {
					// Separate inner cell paragraphs without emitting.
					current.WriteString(" ")
				} else if inPara {
					inPara = false
					flush()
				}
			}
		}
	}
	return paragraphs, nil
}
