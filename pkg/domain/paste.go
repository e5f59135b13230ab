package domain

import (
	"io"
	"time"
)

// Paste is the stored object: either inline text or an uploaded file
// referenced by a server-local path. FilePath and PasswordHash are never
// serialized to clients.
type Paste struct {
	ID           string     `json:"id"`
	Content      string     `json:"content,omitempty"`
	Title        string     `json:"title,omitempty"`
	Language     string     `json:"language"`
	Filename     string     `json:"filename,omitempty"`
	FilePath     string     `json:"-"`
	MimeType     string     `json:"mimetype,omitempty"`
	FileSize     int64      `json:"filesize,omitempty"`
	Binary       bool       `json:"binary,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Origin int

const (
	OriginInline Origin = iota
	OriginFile
)

// Origin reports whether the payload was authored as inline text or as an
// uploaded file. Exactly one holds for any persisted record.
func (p *Paste) Origin() Origin {
	if p.FilePath != "" {
		return OriginFile
	}
	return OriginInline
}

func (p *Paste) IsProtected() bool {
	return p.PasswordHash != ""
}

// Expired reports logical expiry. A record past its expires_at must be
// invisible to every read path even before the sweep removes it physically.
func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ProtectedView is the metadata-only projection returned for a
// password-protected paste when no valid credential was supplied. It carries
// just enough for a client to present a password prompt.
type ProtectedView struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Filename  string    `json:"filename,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Protected bool      `json:"protected"`
}

func (p *Paste) Protected() *ProtectedView {
	return &ProtectedView{
		ID:        p.ID,
		Language:  p.Language,
		Filename:  p.Filename,
		CreatedAt: p.CreatedAt,
		Protected: true,
	}
}

type CreateParams struct {
	Content   string
	Title     string
	Language  string
	Password  string
	ExpiresAt *time.Time
}

type UploadParams struct {
	Filename string
	MimeType string
	Body     io.Reader
}
