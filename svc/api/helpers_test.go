package api

import (
	"strings"
	"testing"
)

func TestSanitizeContentPreservesText(t *testing.T) {
	in := "func main() {\n\tfmt.Println(\"héllo\")\r\n}\n"
	if got := sanitizeContent(in); got != in {
		t.Errorf("ordinary source mangled: %q", got)
	}
}

func TestSanitizeContentStripsControls(t *testing.T) {
	got := sanitizeContent("a\x00b\x07c\x1bd")
	if got != "abcd" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeContentDoesNotEscapeHTML(t *testing.T) {
	in := `<script>alert("x")</script>`
	if got := sanitizeContent(in); got != in {
		t.Errorf("markup rewritten: %q", got)
	}
}

func TestIsCLIAgent(t *testing.T) {
	cli := []string{"curl/8.5.0", "Wget/1.21", "HTTPie/3.2.2"}
	for _, ua := range cli {
		if !isCLIAgent(ua) {
			t.Errorf("isCLIAgent(%q) = false", ua)
		}
	}
	browsers := []string{"Mozilla/5.0 (X11; Linux x86_64)", ""}
	for _, ua := range browsers {
		if isCLIAgent(ua) {
			t.Errorf("isCLIAgent(%q) = true", ua)
		}
	}
}

func TestDispositionHeader(t *testing.T) {
	d := dispositionHeader(false, "plain.txt")
	if d != `attachment; filename=plain.txt` && d != `attachment; filename="plain.txt"` {
		t.Errorf("disposition = %q", d)
	}
	d = dispositionHeader(true, "résumé.pdf")
	if !strings.HasPrefix(d, "inline") {
		t.Errorf("disposition = %q", d)
	}
	if !strings.Contains(d, "filename*=") {
		t.Errorf("non-ASCII name not RFC 5987 encoded: %q", d)
	}
}
