// Package extract converts stored document payloads into plain text for
// chunking. Dispatch is by MIME type: HTML runs through article extraction
// with a DOM-walk fallback, textual types pass through unchanged.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// ErrUnsupportedMIME reports a payload type the extractor cannot turn into
// text.
var ErrUnsupportedMIME = errors.New("unsupported MIME type")

// maxPayloadBytes bounds how much of a payload is read. Larger documents
// are truncated, not rejected; chunking downstream bounds them further.
const maxPayloadBytes = 10 << 20 // 10 MiB

var collapseWhitespace = regexp.MustCompile(`[ \t]+`)

// Extractor turns document payloads into plain text.
type Extractor struct {
	logger *slog.Logger
}

// New creates an Extractor.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Text extracts plain text from r according to mimeType. Parameters on the
// MIME type (charset etc.) are ignored.
func (e *Extractor) Text(mimeType string, r io.Reader) (string, error) {
	mediaType := mimeType
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	payload, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes))
	if err != nil {
		return "", fmt.Errorf("reading payload: %w", err)
	}

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return e.fromHTML(payload)
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "":
		return string(payload), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMIME, mimeType)
	}
}

// fromHTML prefers readability's article extraction, which strips
// navigation, ads and boilerplate. Pages it cannot parse as an article
// (fragments, index pages) fall back to a plain DOM text walk.
func (e *Extractor) fromHTML(payload []byte) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(payload), &url.URL{})
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return normalize(article.TextContent), nil
	}
	if err != nil {
		e.logger.Debug("article extraction failed, falling back to DOM walk", "error", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		// Fragments without a body element still carry text.
		text = doc.Text()
	}
	return normalize(text), nil
}

// normalize collapses runs of spaces and trims blank lines so chunk token
// estimates reflect content, not markup indentation.
func normalize(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(collapseWhitespace.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
