package pdfutil

import (
	"fmt"
	"io"
	"strings"
)

// ExtractText reads PDF bytes and returns the plain text of every page,
// one page per line block. Used for previews next to the extracted table.
func ExtractText(data []byte) (string, error) {
	doc, err := OpenBytes(data)
	if err != nil {
		return "", err
	}
	defer doc.Close()
	var builder strings.Builder
	for page := 1; page <= doc.NumPages(); page++ {
		content, err := doc.PageText(page)
		if err != nil {
			return "", err
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// ExtractFromReader drains the reader before passing along to ExtractText.
func ExtractFromReader(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	return ExtractText(data)
}
