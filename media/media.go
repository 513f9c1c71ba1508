// Package media classifies attachments by MIME type and extracts plain
// text from documents so models without native document support still
// see their content.
package media

import (
	"bytes"
	"strings"
	"unicode/utf8"

	gryag "github.com/ThatHunky/gryag-sub007"

	"github.com/ledongthuc/pdf"
)

// maxDocChars caps the text extracted from a single document.
const maxDocChars = 8192

// KindForMIME classifies a MIME type into a message media kind. Unknown
// and missing types classify as documents.
func KindForMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return gryag.MediaImage
	case strings.HasPrefix(mime, "audio/"):
		return gryag.MediaAudio
	case strings.HasPrefix(mime, "video/"):
		return gryag.MediaVideo
	default:
		return gryag.MediaDocument
	}
}

// DocumentText extracts plain text from a document attachment. It
// reports false for formats it cannot read; such attachments reach the
// model as raw bytes only.
func DocumentText(mime string, data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case mime == "application/pdf":
		return pdfText(data)
	case textual(mime):
		if !utf8.Valid(data) {
			return "", false
		}
		return clip(strings.TrimSpace(string(data))), true
	default:
		return "", false
	}
}

// textual reports whether a MIME type carries readable text.
func textual(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	if strings.HasSuffix(mime, "+json") || strings.HasSuffix(mime, "+xml") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/yaml",
		"application/x-yaml", "application/javascript", "application/sql",
		"application/x-sh", "application/csv", "application/x-ndjson":
		return true
	}
	return false
}

// pdfText extracts page text in order, stopping once the cap is
// reached. The pdf library panics on some malformed files; a bad upload
// must not take the process down.
func pdfText(data []byte) (text string, ok bool) {
	defer func() {
		if recover() != nil {
			text, ok = "", false
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", false
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(pageText)
		if b.Len() >= maxDocChars {
			break
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", false
	}
	return clip(out), true
}

// clip cuts s at a rune boundary once it passes maxDocChars bytes.
func clip(s string) string {
	if len(s) <= maxDocChars {
		return s
	}
	cut := maxDocChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
