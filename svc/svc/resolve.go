package svc

import (
	"os"
	"strings"

	"github.com/binjie09/gemini-pastebin/pkg/domain"
)

// Sentinels substituted for file content when the preview cannot be served.
// Preview is best-effort: I/O trouble degrades to these, never to an error,
// so the metadata response stays servable.
const (
	sentinelFileNotFound = "(File not found on server)"
	sentinelTooLarge     = "(File too large to preview text)"
	sentinelReadError    = "(Error reading file)"
)

var textMimeTypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/xml":        true,
}

// An unset MIME type counts as text-readable. Ambiguous, but uploads from
// minimal clients often omit the type and are overwhelmingly text.
func textReadable(mimeType string) bool {
	if mimeType == "" {
		return true
	}
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return textMimeTypes[strings.TrimSpace(mimeType)]
}

// resolveContent materializes the presentable payload of a record: inline
// content verbatim, or the backing file for text-readable uploads. Binary
// uploads yield no content and binary=true so callers do not render them
// inline. The size cap is checked by stat before reading so an oversized file
// is never pulled into memory.
func resolveContent(p *domain.Paste, maxPreviewBytes int64) (string, bool) {
	if p.Origin() == domain.OriginInline {
		return p.Content, false
	}
	if !textReadable(p.MimeType) {
		return "", true
	}
	info, err := os.Stat(p.FilePath)
	if os.IsNotExist(err) {
		return sentinelFileNotFound, false
	}
	if err != nil {
		return sentinelReadError, false
	}
	if info.Size() > maxPreviewBytes {
		return sentinelTooLarge, false
	}
	data, err := os.ReadFile(p.FilePath)
	if err != nil {
		return sentinelReadError, false
	}
	return string(data), false
}
