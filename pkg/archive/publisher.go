// Package archive publishes a finished relaxation to an object store.
//
// A Publisher walks the final run directory, filters files with include
// and exclude globs, and uploads each one under a key prefix. Objects that
// already exist with the same size are skipped, so publishing again after
// an interrupted upload only sends what is missing.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gorelax/pkg/match"
	"github.com/3leaps/gorelax/pkg/provider"
)

// Config configures a Publisher.
type Config struct {
	// Includes are glob patterns relative to the published directory.
	// Empty publishes everything.
	Includes []string

	// Excludes are glob patterns removed from the include set.
	Excludes []string

	// RateLimit caps uploads per second. Zero is unlimited.
	RateLimit float64

	// Concurrency is the number of parallel uploads.
	Concurrency int

	// MaxAttempts bounds the uploads of one file when the provider reports
	// a retryable error (throttling, unavailable).
	MaxAttempts int

	// RetryBackoff is the wait before the second attempt; it doubles for
	// each further attempt.
	RetryBackoff time.Duration
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() Config {
	return Config{
		Includes:     []string{"**"},
		Concurrency:  4,
		MaxAttempts:  3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Summary reports one publish.
type Summary struct {
	Uploaded int64
	Skipped  int64
	Bytes    int64
	Duration time.Duration
}

// Publisher uploads directories to a provider.
type Publisher struct {
	fs       afero.Fs
	provider provider.Provider
	prefix   string
	matcher  *match.Matcher
	limiter  *rate.Limiter
	cfg      Config
	log      *zap.Logger
}

// New returns a Publisher writing under prefix in p. A nil log discards.
func New(fsys afero.Fs, p provider.Provider, prefix string, cfg Config, log *zap.Logger) (*Publisher, error) {
	if len(cfg.Includes) == 0 {
		cfg.Includes = DefaultConfig().Includes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}

	m, err := match.New(match.Config{Includes: cfg.Includes, Excludes: cfg.Excludes, IncludeHidden: true})
	if err != nil {
		return nil, fmt.Errorf("archive patterns: %w", err)
	}

	pub := &Publisher{
		fs:       fsys,
		provider: p,
		prefix:   prefix,
		matcher:  m,
		cfg:      cfg,
		log:      log,
	}
	if cfg.RateLimit > 0 {
		pub.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return pub, nil
}

// Key returns the object key for rel, a slash-separated path relative to
// the published directory.
func (p *Publisher) Key(rel string) string {
	if p.prefix == "" {
		return rel
	}
	return path.Join(p.prefix, rel)
}

type upload struct {
	path string
	rel  string
	size int64
}

// Publish uploads the matching files of dir. The first upload error stops
// the publish; files already sent stay in place.
func (p *Publisher) Publish(ctx context.Context, dir string) (*Summary, error) {
	start := time.Now()

	var files []upload
	err := afero.Walk(p.fs, dir, func(file string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !p.matcher.Match(rel) {
			return nil
		}
		files = append(files, upload{path: file, rel: rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var (
		uploaded, skipped, bytes atomic.Int64
		wg                       sync.WaitGroup
		errOnce                  sync.Once
		firstErr                 error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan upload)
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range work {
				sent, err := p.publishOne(ctx, u)
				if err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					continue
				}
				if sent {
					uploaded.Add(1)
					bytes.Add(u.size)
				} else {
					skipped.Add(1)
				}
			}
		}()
	}

feed:
	for _, u := range files {
		select {
		case work <- u:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	summary := &Summary{
		Uploaded: uploaded.Load(),
		Skipped:  skipped.Load(),
		Bytes:    bytes.Load(),
		Duration: time.Since(start),
	}
	if firstErr != nil {
		return summary, firstErr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	p.log.Info("Archive published",
		zap.String("dir", dir),
		zap.String("prefix", p.prefix),
		zap.Int64("uploaded", summary.Uploaded),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("bytes", summary.Bytes))
	return summary, nil
}

// publishOne uploads u unless an object of the same size exists.
func (p *Publisher) publishOne(ctx context.Context, u upload) (bool, error) {
	key := p.Key(u.rel)

	meta, err := p.provider.Head(ctx, key)
	switch {
	case err == nil && meta.Size == u.size:
		p.log.Debug("Archive object up to date", zap.String("key", key))
		return false, nil
	case err != nil && !errors.Is(err, provider.ErrNotFound):
		return false, err
	}

	backoff := p.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := p.put(ctx, key, u)
		if err == nil {
			p.log.Debug("Archived file", zap.String("key", key), zap.Int64("size", u.size))
			return true, nil
		}
		if !provider.IsRetryable(err) || attempt >= p.cfg.MaxAttempts {
			return false, err
		}
		p.log.Debug("Retrying archive upload",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

// put sends one attempt; the file is reopened so retries start at offset 0.
func (p *Publisher) put(ctx context.Context, key string, u upload) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	f, err := p.fs.Open(u.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return p.provider.Put(ctx, key, f, u.size)
}
