package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ConvertDOCXToPDF shells out to a LibreOffice binary when one is on
// PATH. The converted PDF backs clickable page citations for DOCX
// uploads; conversion being unavailable is not an ingest failure.
func ConvertDOCXToPDF(ctx context.Context, data []byte) ([]byte, error) {
	binary := ""
	for _, name := range []string{"libreoffice", "soffice"} {
		if _, err := exec.LookPath(name); err == nil {
			binary = name
			break
		}
	}
	if binary == "" {
		return nil, fmt.Errorf("no libreoffice binary on PATH")
	}

	dir, err := os.MkdirTemp("", "docx-convert-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input.docx")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, err
	}

	convertCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(convertCtx, binary,
		"--headless", "--convert-to", "pdf", "--outdir", dir, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("conversion failed: %v: %s", err, out)
	}

	return os.ReadFile(filepath.Join(dir, "input.pdf"))
}
