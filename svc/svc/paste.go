package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/binjie09/gemini-pastebin/cfg"
	"github.com/binjie09/gemini-pastebin/metrics"
	"github.com/binjie09/gemini-pastebin/pkg/domain"
	"github.com/binjie09/gemini-pastebin/svc/auth"
	"github.com/binjie09/gemini-pastebin/svc/blob"
	"github.com/binjie09/gemini-pastebin/svc/cache"
	"github.com/binjie09/gemini-pastebin/svc/db"
	"github.com/binjie09/gemini-pastebin/svc/util"
)

const maxCreateAttempts = 3

// Paste implements the object lifecycle: ingestion of inline text and file
// uploads, password-gated reads, title updates, and raw record access.
type Paste struct {
	db     *db.SQLite
	lru    *cache.LRU
	rdb    *db.Redis
	hasher *auth.Hasher
	blobs  *blob.Store
	cfg    *cfg.Cfg
}

func NewPaste(sqlDB *db.SQLite, lruCache *cache.LRU, rdb *db.Redis, h *auth.Hasher, blobs *blob.Store, c *cfg.Cfg) *Paste {
	if sqlDB == nil || lruCache == nil || h == nil || blobs == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, lru, hasher, blobs, or cfg)")
	}
	return &Paste{
		db:     sqlDB,
		lru:    lruCache,
		rdb:    rdb,
		hasher: h,
		blobs:  blobs,
		cfg:    c,
	}
}

// Create ingests an inline-text paste. The optional password is hashed here;
// its presence makes every later read password-gated.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if strings.TrimSpace(params.Content) == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	language := params.Language
	if language == "" {
		language = "text"
	}
	var pwHash string
	if params.Password != "" {
		var err error
		pwHash, err = p.hasher.Hash(params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}
	now := time.Now()
	paste := &domain.Paste{
		Content:      params.Content,
		Title:        params.Title,
		Language:     language,
		ExpiresAt:    params.ExpiresAt,
		PasswordHash: pwHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.insert(ctx, paste); err != nil {
		return nil, err
	}
	metrics.PasteCreated.Inc()
	return paste, nil
}

// CreateUpload ingests a single uploaded file: the stream is persisted under
// a collision-resistant name preserving the original extension, and the
// recorded size is the counted length of the stored stream, not any declared
// header. Uploads never expire unless the caller says otherwise.
func (p *Paste) CreateUpload(ctx context.Context, params domain.UploadParams) (*domain.Paste, error) {
	if params.Body == nil || params.Filename == "" {
		return nil, domain.ErrFileRequired
	}
	path, size, err := p.blobs.Save(blob.StoredName(params.Filename), params.Body)
	if err != nil {
		return nil, errors.Wrap(err, "persist upload")
	}
	now := time.Now()
	paste := &domain.Paste{
		Language:  "autodetect",
		Filename:  params.Filename,
		FilePath:  path,
		MimeType:  params.MimeType,
		FileSize:  size,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.insert(ctx, paste); err != nil {
		if rerr := p.blobs.Remove(path); rerr != nil {
			util.Warn().Err(rerr).Str("path", path).Msg("failed to remove orphaned upload")
		}
		return nil, err
	}
	metrics.FileUploaded.Inc()
	return paste, nil
}

// insert assigns an id and persists the record, regenerating the id on a
// duplicate-key conflict rather than overwriting.
func (p *Paste) insert(ctx context.Context, paste *domain.Paste) error {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id, err := util.GenID(p.cfg.IDLength, func(id string) (bool, error) {
			return p.db.Exists(ctx, id)
		})
		if err != nil {
			return domain.ErrIDGenerationFailed
		}
		paste.ID = id
		err = p.db.Create(ctx, paste)
		if errors.Is(err, domain.ErrIDConflict) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "create paste")
		}
		p.cacheSet(ctx, paste)
		return nil
	}
	return domain.ErrIDGenerationFailed
}

// Get is the password-gated read. Exactly one of the returns is non-nil on
// success: the full record with resolved content when access is granted, or
// the metadata-only view when the paste is protected and no password was
// supplied. A supplied-but-wrong password is ErrInvalidPassword - "tried and
// failed" is distinguished from "didn't try", but both withhold content.
func (p *Paste) Get(ctx context.Context, id, password string) (*domain.Paste, *domain.ProtectedView, error) {
	paste, err := p.fetch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if paste.IsProtected() {
		if password == "" {
			return nil, paste.Protected(), nil
		}
		match, err := p.hasher.Verify(password, paste.PasswordHash)
		if err != nil {
			return nil, nil, errors.Wrap(err, "verify password")
		}
		if !match {
			return nil, nil, domain.ErrInvalidPassword
		}
	}
	out := p.resolved(paste)
	metrics.PasteRetrieved.Inc()
	return out, nil, nil
}

// Verify is the active credential check: a protected paste yields the full
// record only on a matching password, ErrInvalidPassword otherwise (an empty
// submission counts as a failed attempt here, unlike Get).
func (p *Paste) Verify(ctx context.Context, id, password string) (*domain.Paste, error) {
	paste, err := p.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if paste.IsProtected() {
		match, err := p.hasher.Verify(password, paste.PasswordHash)
		if err != nil {
			return nil, errors.Wrap(err, "verify password")
		}
		if !match {
			return nil, domain.ErrInvalidPassword
		}
	}
	out := p.resolved(paste)
	metrics.PasteRetrieved.Inc()
	return out, nil
}

// UpdateTitle mutates the title, the only mutable field. On a protected
// record the password must be proven first; the store is untouched otherwise.
func (p *Paste) UpdateTitle(ctx context.Context, id, title, password string) (*domain.Paste, error) {
	paste, err := p.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if paste.IsProtected() {
		if password == "" {
			return nil, domain.ErrUnauthorized
		}
		match, err := p.hasher.Verify(password, paste.PasswordHash)
		if err != nil {
			return nil, errors.Wrap(err, "verify password")
		}
		if !match {
			return nil, domain.ErrInvalidPassword
		}
	}
	if err := p.db.UpdateTitle(ctx, id, title); err != nil {
		return nil, err
	}
	p.lru.Delete(id)
	if p.rdb != nil {
		if err := p.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to invalidate redis entry")
		}
	}
	updated, err := p.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p.cacheSet(ctx, updated)
	return p.resolved(updated), nil
}

// GetRaw returns the record for raw byte delivery without consulting the
// access gate; only expiry filtering applies. This mirrors the reference
// behavior where raw fetch bypasses password protection.
func (p *Paste) GetRaw(ctx context.Context, id string) (*domain.Paste, error) {
	return p.fetch(ctx, id)
}

// resolved returns a copy with the presentable content materialized. Cached
// records are shared between requests, so the stored struct is never mutated.
func (p *Paste) resolved(paste *domain.Paste) *domain.Paste {
	out := *paste
	out.Content, out.Binary = resolveContent(&out, p.cfg.MaxPreviewBytes)
	return &out
}

// fetch walks LRU, Redis, then SQLite. Expiry is re-checked at every tier so
// a logically-expired record is never observable, even before the sweep.
func (p *Paste) fetch(ctx context.Context, id string) (*domain.Paste, error) {
	now := time.Now()
	if paste := p.lru.Get(ctx, id); paste != nil {
		if paste.Expired(now) {
			p.lru.Delete(id)
			if p.rdb != nil {
				p.rdb.Delete(ctx, id)
			}
			return nil, domain.ErrPasteNotFound
		}
		metrics.CacheHits.Inc()
		return paste, nil
	}
	metrics.CacheMisses.Inc()
	if p.rdb != nil {
		if paste, err := p.rdb.GetPaste(ctx, id); err == nil && paste != nil {
			if paste.Expired(now) {
				p.rdb.Delete(ctx, id)
				return nil, domain.ErrPasteNotFound
			}
			metrics.CacheHits.Inc()
			p.lru.Set(ctx, paste)
			return paste, nil
		}
	}
	paste, err := p.db.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	p.cacheSet(ctx, paste)
	return paste, nil
}

func (p *Paste) cacheSet(ctx context.Context, paste *domain.Paste) {
	p.lru.Set(ctx, paste)
	if p.rdb == nil {
		return
	}
	var ttl time.Duration
	if paste.ExpiresAt != nil {
		ttl = time.Until(*paste.ExpiresAt)
		if ttl <= 0 {
			return
		}
	}
	if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
		util.Warn().Err(err).Str("id", paste.ID).Msg("failed to cache in Redis")
	}
}

// Sweeper is the capability a store exposes when it needs a periodic expiry
// sweep. A store with a native TTL index keeps the expired-means-invisible
// invariant on its own and is simply never swept.
type Sweeper interface {
	CleanupExpired(ctx context.Context) (int, []string, error)
}

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner launches the background sweep that deletes logically-expired
// records and unlinks their backing files.
func StartCleaner(ctx context.Context, store Sweeper, blobs *blob.Store, interval time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, store, blobs, interval)
	})
	return nil
}

func runCleaner(ctx context.Context, store Sweeper, blobs *blob.Store, interval time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, files, err := store.CleanupExpired(ctx)
			// Unlink is best-effort: the metadata rows are already gone, so
			// a failed unlink only leaks disk, never a readable record.
			for _, path := range files {
				if err := blobs.Remove(path); err != nil {
					util.Warn().
						Err(err).
						Str("path", path).
						Str("request_id", cleanupRequestID).
						Msg("failed to unlink expired upload")
				}
			}
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Int("files_unlinked", len(files)).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
