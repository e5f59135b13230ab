package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/binjie09/gemini-pastebin/cfg"
	"github.com/binjie09/gemini-pastebin/svc/auth"
	"github.com/binjie09/gemini-pastebin/svc/blob"
	"github.com/binjie09/gemini-pastebin/svc/cache"
	"github.com/binjie09/gemini-pastebin/svc/db"
	"github.com/binjie09/gemini-pastebin/svc/svc"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	c := &cfg.Cfg{
		Port:            "0",
		Environment:     "test",
		IDLength:        6,
		MaxPasteSize:    1024,
		MaxUploadSize:   1 << 20,
		MaxPreviewBytes: 1 << 20,
		ContextTimeout:  5 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
	sqlDB, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	lruCache, err := cache.NewLRU(64)
	if err != nil {
		t.Fatalf("NewLRU failed: %v", err)
	}
	hasher, err := auth.NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	pasteSvc := svc.NewPaste(sqlDB, lruCache, nil, hasher, blobs, c)
	return NewServer(c, pasteSvc, blobs, sqlDB, nil)
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func createPaste(t *testing.T, s *Server, body map[string]any) map[string]any {
	t.Helper()
	rr := postJSON(t, s, "/api/paste", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid create response: %v", err)
	}
	return resp
}

func TestCreatePaste(t *testing.T) {
	s := newTestServer(t)
	resp := createPaste(t, s, map[string]any{"content": "hello", "language": "go"})
	id, _ := resp["id"].(string)
	if len(id) != 6 {
		t.Errorf("id = %q", id)
	}
	if resp["language"] != "go" {
		t.Errorf("language = %v", resp["language"])
	}
	if _, present := resp["password_hash"]; present {
		t.Error("password hash leaked in response")
	}
}

func TestCreatePasteRejectsWrongContentType(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/paste", strings.NewReader("content=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestCreatePasteEmptyContent(t *testing.T) {
	s := newTestServer(t)
	rr := postJSON(t, s, "/api/paste", map[string]any{"content": "   "})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreatePasteUnknownField(t *testing.T) {
	s := newTestServer(t)
	rr := postJSON(t, s, "/api/paste", map[string]any{"content": "x", "bogus": true})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestCreatePasteWithDuration(t *testing.T) {
	s := newTestServer(t)
	resp := createPaste(t, s, map[string]any{"content": "ephemeral", "duration": "1h"})
	raw, _ := resp["expires_at"].(string)
	exp, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("expires_at = %v: %v", resp["expires_at"], err)
	}
	until := time.Until(exp)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expiry %v from now", until)
	}
}

func TestCreatePasteInvalidDuration(t *testing.T) {
	s := newTestServer(t)
	for _, d := range []string{"banana", "-5m", "0s"} {
		rr := postJSON(t, s, "/api/paste", map[string]any{"content": "x", "duration": d})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("duration %q: status = %d", d, rr.Code)
		}
	}
}

func TestGetPasteRoundTrip(t *testing.T) {
	s := newTestServer(t)
	created := createPaste(t, s, map[string]any{"content": "round trip body", "title": "t"})
	id := created["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/paste/"+id, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["content"] != "round trip body" {
		t.Errorf("content = %v", resp["content"])
	}
}

func TestGetPasteNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/paste/zzzzzz", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestProtectedPasteGate(t *testing.T) {
	s := newTestServer(t)
	created := createPaste(t, s, map[string]any{"content": "the secret", "password": "open-sesame"})
	id := created["id"].(string)

	// No password: metadata only, 200.
	req := httptest.NewRequest(http.MethodGet, "/api/paste/"+id, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("no-password status = %d", rr.Code)
	}
	var view map[string]any
	json.Unmarshal(rr.Body.Bytes(), &view)
	if view["protected"] != true {
		t.Errorf("view = %v", view)
	}
	if strings.Contains(rr.Body.String(), "the secret") {
		t.Error("content leaked through the protected view")
	}

	// Wrong password: 401.
	req = httptest.NewRequest(http.MethodGet, "/api/paste/"+id+"?password=wrong", nil)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong-password status = %d", rr.Code)
	}

	// Correct password via header: full record.
	req = httptest.NewRequest(http.MethodGet, "/api/paste/"+id, nil)
	req.Header.Set("X-Paste-Password", "open-sesame")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("correct-password status = %d", rr.Code)
	}
	var full map[string]any
	json.Unmarshal(rr.Body.Bytes(), &full)
	if full["content"] != "the secret" {
		t.Errorf("content = %v", full["content"])
	}
}

func TestVerifyEndpoint(t *testing.T) {
	s := newTestServer(t)
	created := createPaste(t, s, map[string]any{"content": "verify me", "password": "pw"})
	id := created["id"].(string)

	rr := postJSON(t, s, "/api/paste/verify/"+id, map[string]any{"password": "pw"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["content"] != "verify me" {
		t.Errorf("content = %v", resp["content"])
	}

	rr = postJSON(t, s, "/api/paste/verify/"+id, map[string]any{"password": ""})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("empty submission status = %d", rr.Code)
	}
}

func TestUpdateTitleEndpoint(t *testing.T) {
	s := newTestServer(t)
	created := createPaste(t, s, map[string]any{"content": "body", "password": "pw", "title": "old"})
	id := created["id"].(string)

	body, _ := json.Marshal(map[string]any{"title": "new", "password": "pw"})
	req := httptest.NewRequest(http.MethodPut, "/api/paste/"+id, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["title"] != "new" {
		t.Errorf("title = %v", resp["title"])
	}

	body, _ = json.Marshal(map[string]any{"title": "x"})
	req = httptest.NewRequest(http.MethodPut, "/api/paste/"+id, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated update status = %d", rr.Code)
	}
}

func multipartUpload(t *testing.T, filename, contentType, body string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="f"; filename="%s"`, filename)}
	h["Content-Type"] = []string{contentType}
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(part, body)
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestUploadFromBrowser(t *testing.T) {
	s := newTestServer(t)
	buf, contentType := multipartUpload(t, "notes.txt", "text/plain", "uploaded body")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["filename"] != "notes.txt" {
		t.Errorf("filename = %v", resp["filename"])
	}
	if resp["filesize"] != float64(len("uploaded body")) {
		t.Errorf("filesize = %v", resp["filesize"])
	}
}

func TestUploadFromCurl(t *testing.T) {
	s := newTestServer(t)
	buf, contentType := multipartUpload(t, "notes.txt", "text/plain", "cli upload")
	req := httptest.NewRequest(http.MethodPost, "http://paste.example/api/upload", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "curl/8.5.0")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, "URL: http://paste.example/") {
		t.Errorf("body = %q", body)
	}
	if !strings.HasSuffix(body, "\n") {
		t.Error("CLI response must end with a newline")
	}
	id := strings.TrimSpace(strings.TrimPrefix(body, "URL: http://paste.example/"))
	if len(id) != 6 {
		t.Errorf("id in URL = %q", id)
	}
}

func TestUploadMissingFile(t *testing.T) {
	s := newTestServer(t)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("other", "value")
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestRawInlinePaste(t *testing.T) {
	s := newTestServer(t)
	created := createPaste(t, s, map[string]any{"content": "raw text body"})
	id := created["id"].(string)
	req := httptest.NewRequest(http.MethodGet, "/api/raw/"+id, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.String() != "raw text body" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRawUploadDisposition(t *testing.T) {
	s := newTestServer(t)
	buf, contentType := multipartUpload(t, "résumé.txt", "text/plain", "file bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", buf)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	id := resp["id"].(string)

	req = httptest.NewRequest(http.MethodGet, "/api/raw/"+id, nil)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("raw status = %d", rr.Code)
	}
	if rr.Body.String() != "file bytes" {
		t.Errorf("body = %q", rr.Body.String())
	}
	disp := rr.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disp, "attachment") {
		t.Errorf("disposition = %q", disp)
	}
	if !strings.Contains(disp, "filename") {
		t.Errorf("disposition lacks filename: %q", disp)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/raw/"+id+"?inline=1", nil)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if disp := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(disp, "inline") {
		t.Errorf("inline disposition = %q", disp)
	}
}

func TestRawNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/raw/zzzzzz", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("/health status = %d", rr.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("/ready status = %d: %s", rr.Code, rr.Body.String())
	}
	var ready map[string]any
	json.Unmarshal(rr.Body.Bytes(), &ready)
	if ready["database"] != "up" {
		t.Errorf("ready = %v", ready)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	created := createPaste(t, s, map[string]any{"content": "x"})
	req := httptest.NewRequest(http.MethodGet, "/api/paste/"+created["id"].(string), nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}
