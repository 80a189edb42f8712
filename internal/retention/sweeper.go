// Package retention purges private messages and uploaded files once they are
// older than the retention horizon.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/huddle/internal/store"
)

const (
	// DefaultHorizon is how long messages and uploads are kept.
	DefaultHorizon = 48 * time.Hour
	// DefaultInterval is the time between two sweeps.
	DefaultInterval = time.Hour
)

// Store is the part of the durable store the sweeper touches.
type Store interface {
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UploadsBefore(ctx context.Context, cutoff time.Time) ([]store.Upload, error)
	DeleteUploadsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result summarises one sweep. FilesMissing counts expired uploads whose
// file was already gone; those are not in FilesRemoved.
type Result struct {
	Cutoff          time.Time
	MessagesDeleted int64
	UploadsDeleted  int64
	FilesRemoved    int
	FilesMissing    int
	FileErrors      int
}

// Sweeper deletes expired rows and files. It takes no locks: a history read
// racing a sweep may or may not see rows the sweep is deleting.
type Sweeper struct {
	store     Store
	uploadDir string
	horizon   time.Duration
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithHorizon overrides DefaultHorizon.
func WithHorizon(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.horizon = d
		}
	}
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New returns a sweeper removing files from uploadDir.
func New(st Store, uploadDir string, log zerolog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     st,
		uploadDir: uploadDir,
		horizon:   DefaultHorizon,
		interval:  DefaultInterval,
		now:       time.Now,
		log:       log.With().Str("component", "sweeper").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one retention pass. Failing to remove a file is logged and does
// not keep its row alive. Storage errors abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	res := Result{Cutoff: s.now().Add(-s.horizon)}

	n, err := s.store.DeleteMessagesBefore(ctx, res.Cutoff)
	if err != nil {
		return res, err
	}
	res.MessagesDeleted = n

	expired, err := s.store.UploadsBefore(ctx, res.Cutoff)
	if err != nil {
		return res, err
	}
	for _, name := range lo.Uniq(lo.Map(expired, func(u store.Upload, _ int) string { return u.Filename })) {
		removed, err := s.removeFile(name)
		if err != nil {
			res.FileErrors++
			s.log.Warn().Err(err).Str("file", name).Msg("Failed to delete expired file")
			continue
		}
		if !removed {
			res.FilesMissing++
			s.log.Debug().Str("file", name).Msg("Expired file already gone")
			continue
		}
		res.FilesRemoved++
		s.log.Debug().Str("file", name).Msg("Deleted expired file")
	}

	if res.UploadsDeleted, err = s.store.DeleteUploadsBefore(ctx, res.Cutoff); err != nil {
		return res, err
	}
	return res, nil
}

// removeFile deletes the stored file for name and reports whether a file was
// actually removed.
func (s *Sweeper) removeFile(name string) (bool, error) {
	// Only the base name is trusted; rows never point outside uploadDir.
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return false, errors.Errorf("invalid upload filename %q", name)
	}
	err := os.Remove(filepath.Join(s.uploadDir, base))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Dur("horizon", s.horizon).Msg("Retention sweeper started")
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Retention sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Retention sweep failed")
		}
		return
	}
	s.log.Info().
		Time("cutoff", res.Cutoff).
		Int64("messages", res.MessagesDeleted).
		Int64("uploads", res.UploadsDeleted).
		Int("files", res.FilesRemoved).
		Int("files_missing", res.FilesMissing).
		Int("file_errors", res.FileErrors).
		Msg("Retention sweep completed")
}
