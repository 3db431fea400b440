package indexing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// maxDocumentSize bounds a single document read.
const maxDocumentSize = 64 * 1024 * 1024

// Reader converts raw file bytes to indexable text.
type Reader func(raw []byte) (string, error)

// readers are keyed by lower-case extension. Anything else is plain text.
var readers = map[string]Reader{
	".txt":  readPlain,
	".md":   readPlain,
	".html": readHTML,
	".htm":  readHTML,
}

func readPlain(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("content is not valid UTF-8")
	}
	return string(raw), nil
}

func readHTML(raw []byte) (string, error) {
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(string(raw))
	if err != nil {
		return "", fmt.Errorf("converting HTML: %w", err)
	}
	return out, nil
}

// ReadDocument reads path and returns its text. A missing file is
// ErrNotFound; content that is blank after trimming is ErrEmptyDocument.
func ReadDocument(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: file path is empty", ErrInvalidInput)
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return "", fmt.Errorf("stat %s: %w", clean, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrInvalidInput, clean)
	}
	if info.Size() > maxDocumentSize {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, clean, maxDocumentSize)
	}

	raw, err := os.ReadFile(clean)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", clean, err)
	}

	read, ok := readers[strings.ToLower(filepath.Ext(clean))]
	if !ok {
		read = readPlain
	}
	text, err := read(raw)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", clean, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyDocument, clean)
	}
	return text, nil
}
