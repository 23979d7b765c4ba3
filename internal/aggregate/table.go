package aggregate

import (
	"context"
	"time"

	"github.com/loykin/reclaimr/internal/snapshot"
)

// ResolverSource is a snapshot source that can also confirm pid identity.
type ResolverSource interface {
	snapshot.Source
	Resolver(ctx context.Context) snapshot.Resolver
}

// Table samples a source and aggregates it on demand.
type Table struct {
	Source snapshot.Source
	Score  ScoreFunc
	// Keep, when set, drops records before grouping (see WithFilter).
	Keep func(snapshot.Record) bool
	Now  func() time.Time
}

// Groups takes a fresh snapshot and aggregates it. When Source can resolve
// pids, records that exited during the pass are dropped.
func (t *Table) Groups(ctx context.Context) (map[string]Group, error) {
	recs, err := t.Source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	var opts []Option
	if rs, ok := t.Source.(ResolverSource); ok {
		opts = append(opts, WithResolver(rs.Resolver(ctx)))
	}
	if t.Score != nil {
		opts = append(opts, WithScorer(t.Score))
	}
	if t.Keep != nil {
		opts = append(opts, WithFilter(t.Keep))
	}
	return Aggregate(recs, now, opts...), nil
}
