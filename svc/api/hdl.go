package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"github.com/binjie09/gemini-pastebin/cfg"
	"github.com/binjie09/gemini-pastebin/metrics"
	"github.com/binjie09/gemini-pastebin/pkg/domain"
	"github.com/binjie09/gemini-pastebin/svc/blob"
	"github.com/binjie09/gemini-pastebin/svc/svc"
	"github.com/binjie09/gemini-pastebin/svc/util"
)

type Hdl struct {
	paste *svc.Paste
	blobs *blob.Store
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content   string     `json:"content"`
	Title     string     `json:"title,omitempty"`
	Language  string     `json:"language,omitempty"`
	Password  string     `json:"password,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Duration  string     `json:"duration,omitempty"`
}

type UpdateReq struct {
	Title    string `json:"title"`
	Password string `json:"password,omitempty"`
}

type VerifyReq struct {
	Password string `json:"password"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", r.Header.Get("Content-Type")).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPasteSize*2)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		log.Warn().Msg("empty content")
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	if int64(len(req.Content)) > h.cfg.MaxPasteSize {
		log.Warn().Int("content_length", len(req.Content)).Msg("content exceeds maximum size")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}

	// An absolute timestamp wins; a relative duration is resolved here so the
	// ingestion pipeline only ever sees an absolute expiry.
	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			log.Warn().Str("duration", req.Duration).Msg("invalid duration")
			writeErr(w, domain.ErrInvalidExpiry, requestID)
			return
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	params := domain.CreateParams{
		Content:   sanitizeContent(req.Content),
		Title:     req.Title,
		Language:  req.Language,
		Password:  req.Password,
		ExpiresAt: expiresAt,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("failed to create paste")
		if errors.Is(err, domain.ErrContentRequired) || errors.Is(err, domain.ErrPasteTooLarge) ||
			errors.Is(err, domain.ErrIDGenerationFailed) {
			writeErr(w, err, requestID)
			return
		}
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Str("language", paste.Language).
		Bool("password_protected", req.Password != "").
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(paste)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	password := r.URL.Query().Get("password")
	if password == "" {
		password = r.Header.Get("X-Paste-Password")
	}
	paste, view, err := h.paste.Get(r.Context(), id, password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPassword) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
			writeErr(w, domain.ErrInvalidPassword, requestID)
			return
		}
		if errors.Is(err, domain.ErrPasteNotFound) {
			writeErr(w, domain.ErrPasteNotFound, requestID)
			return
		}
		log.Error().Err(err).Str("paste_id", id).Msg("get failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if view != nil {
		log.Info().Str("paste_id", id).Msg("protected paste, metadata only")
		json.NewEncoder(w).Encode(view)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(paste)
}

func (h *Hdl) VerifyPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	var req VerifyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	paste, err := h.paste.Verify(r.Context(), id, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPassword) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
			writeErr(w, domain.ErrInvalidPassword, requestID)
			return
		}
		if errors.Is(err, domain.ErrPasteNotFound) {
			writeErr(w, domain.ErrPasteNotFound, requestID)
			return
		}
		log.Error().Err(err).Str("paste_id", id).Msg("verify failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(paste)
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	var req UpdateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	paste, err := h.paste.UpdateTitle(r.Context(), id, req.Title, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrInvalidPassword):
			log.Warn().Str("paste_id", id).Msg("unauthorized title update")
			writeErr(w, err, requestID)
		case errors.Is(err, domain.ErrPasteNotFound):
			writeErr(w, domain.ErrPasteNotFound, requestID)
		default:
			log.Error().Err(err).Str("paste_id", id).Msg("title update failed")
			writeErr(w, domain.ErrInternalServer, requestID)
		}
		return
	}
	log.Info().Str("paste_id", id).Msg("title updated")
	json.NewEncoder(w).Encode(paste)
}

func (h *Hdl) Upload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize)
	file, header, err := r.FormFile("f")
	if err != nil {
		log.Warn().Err(err).Msg("missing or unreadable file part")
		writeJSONErr(w, domain.ErrFileRequired, requestID)
		return
	}
	defer file.Close()
	paste, err := h.paste.CreateUpload(r.Context(), domain.UploadParams{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Body:     file,
	})
	if err != nil {
		log.Error().Err(err).Str("filename", header.Filename).Msg("upload failed")
		if errors.Is(err, domain.ErrFileRequired) {
			writeJSONErr(w, domain.ErrFileRequired, requestID)
			return
		}
		writeJSONErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Str("filename", paste.Filename).
		Int64("size", paste.FileSize).
		Msg("file uploaded")

	// CLI clients get a one-line URL instead of the record.
	if isCLIAgent(r.UserAgent()) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "URL: %s/%s\n", h.baseURL(r), paste.ID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(paste)
}

// Raw streams the stored bytes directly: the backing file for uploads, the
// text content otherwise. Access is expiry-filtered only - raw delivery does
// not consult the password gate, matching the reference behavior.
func (h *Hdl) Raw(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	inline := r.URL.Query().Get("inline") == "1"
	paste, err := h.paste.GetRaw(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("paste_id", id).Msg("raw fetch failed")
		http.Error(w, "Server Error", http.StatusInternalServerError)
		return
	}
	metrics.RawServed.Inc()
	if paste.Origin() == domain.OriginFile {
		f, err := h.blobs.Open(paste.FilePath)
		if err != nil {
			log.Warn().Err(err).Str("paste_id", id).Msg("backing file unavailable")
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			http.Error(w, "Server Error", http.StatusInternalServerError)
			return
		}
		contentType := paste.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if paste.Filename != "" {
			w.Header().Set("Content-Disposition", dispositionHeader(inline, paste.Filename))
		}
		http.ServeContent(w, r, "", info.ModTime(), f)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, paste.Content)
}

// dispositionHeader percent-encodes the filename (RFC 5987) so non-ASCII
// names survive the header.
func dispositionHeader(inline bool, filename string) string {
	mode := "attachment"
	if inline {
		mode = "inline"
	}
	return mime.FormatMediaType(mode, map[string]string{"filename": filename})
}

func isCLIAgent(ua string) bool {
	ua = strings.ToLower(ua)
	return strings.Contains(ua, "curl") || strings.Contains(ua, "wget") || strings.Contains(ua, "httpie")
}

// baseURL resolves the externally visible base for upload responses: an
// explicitly configured URL wins, then forwarded-proto/host from a reverse
// proxy, then the request's own host.
func (h *Hdl) baseURL(r *http.Request) string {
	if h.cfg.ExternalURL != "" {
		return h.cfg.ExternalURL
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// writeJSONErr is writeErr for routes outside the JSON content-type group.
func writeJSONErr(w http.ResponseWriter, err error, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	writeErr(w, err, requestID)
}

// sanitizeContent normalizes inline text to NFC and strips invalid runes and
// control characters other than newline, carriage return, and tab. The text
// is stored verbatim otherwise so reads round-trip.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
