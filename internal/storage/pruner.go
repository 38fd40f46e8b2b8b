package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Expirer yields the audio file paths of purged expired jobs.
type Expirer interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Pruner deletes terminal jobs and their audio files once they pass the
// retention window.
type Pruner struct {
	store     Expirer
	files     *LocalStore
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewPruner creates a retention pruner. retentionDays == 0 disables it.
func NewPruner(store Expirer, files *LocalStore, retentionDays int, log zerolog.Logger) *Pruner {
	return &Pruner{
		store:     store,
		files:     files,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  1 * time.Hour,
		log:       log.With().Str("component", "pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	go p.loop()
}

func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

func (p *Pruner) prune() {
	if p.retention == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-p.retention)
	paths, err := p.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		p.log.Error().Err(err).Msg("purge failed")
		return
	}

	var removed int
	for _, path := range paths {
		if err := p.files.Remove(path); err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("could not remove audio file")
			continue
		}
		removed++
	}

	if len(paths) > 0 {
		p.log.Info().
			Int("jobs", len(paths)).
			Int("files_removed", removed).
			Time("cutoff", cutoff).
			Msg("retention prune complete")
	}
}
