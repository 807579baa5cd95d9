package extract

import (
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// extractPDF pulls text from every page of a PDF, pages joined by blank
// lines.
func extractPDF(path string) (string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	var sb strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		page, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page)
	}
	return strings.TrimSpace(sb.String()), nil
}
