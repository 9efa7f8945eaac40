package deals

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// PruneInterval is how often expired trash is purged.
	PruneInterval = 24 * time.Hour

	// TrashRetention is how long a deal stays in the trash before it is purged.
	TrashRetention = 30 * 24 * time.Hour // 30 days

	// AnalysisCacheMaxAge is how long raw AI responses stay cached.
	AnalysisCacheMaxAge = 7 * 24 * time.Hour
)

// CachePruner removes stale cached analyses.
type CachePruner interface {
	PruneAnalysisCache(maxAge time.Duration) (int64, error)
}

// Janitor purges expired trash and stale analysis cache entries.
type Janitor struct {
	store    *Store
	cache    CachePruner
	interval time.Duration
}

// NewJanitor creates a janitor. cache may be nil.
func NewJanitor(store *Store, cache CachePruner) *Janitor {
	return &Janitor{store: store, cache: cache, interval: PruneInterval}
}

// Run prunes once immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Dur("retention", TrashRetention).Msg("starting trash janitor")

	j.prune()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("trash janitor stopped")
			return
		case <-ticker.C:
			j.prune()
		}
	}
}

func (j *Janitor) prune() {
	count, err := j.store.PurgeExpired(TrashRetention)
	if err != nil {
		log.Error().Err(err).Msg("failed to purge expired trash")
	} else if count > 0 {
		log.Info().Int("purged", count).Msg("purged expired trash")
	}

	if j.cache == nil {
		return
	}
	pruned, err := j.cache.PruneAnalysisCache(AnalysisCacheMaxAge)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune analysis cache")
		return
	}
	if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("pruned analysis cache")
	}
}
