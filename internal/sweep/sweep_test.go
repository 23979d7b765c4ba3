package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reclaimr/internal/idle"
	"github.com/loykin/reclaimr/internal/reclaim"
	"github.com/loykin/reclaimr/internal/snapshot"
)

func policy(t *testing.T) *idle.Policy {
	t.Helper()
	p, err := idle.NewPolicy(idle.Config{
		OwnerThreshold:      1000,
		Whitelist:           []string{"terminal"},
		CPUThresholdPercent: 1,
		MemoryThresholdMB:   20,
		MinAgeSeconds:       60,
	}, nil)
	require.NoError(t, err)
	return p
}

func records(now time.Time) []snapshot.Record {
	old := now.Add(-time.Hour)
	return []snapshot.Record{
		{PID: 1, Name: "launchd", OwnerID: 0, CreatedAt: old},
		{PID: 10, Name: "stale-daemon", OwnerID: 1000, CreatedAt: old, RSSBytes: 1 << 20},
		{PID: 11, Name: "Terminal", OwnerID: 1000, CreatedAt: old},
		{PID: 12, Name: "busy", OwnerID: 1000, CreatedAt: old, CPUPercent: 50},
		{PID: 13, Name: "fresh", OwnerID: 1000, CreatedAt: now.Add(-time.Second)},
		{PID: 14, Name: "gone", Err: snapshot.ErrGone},
		{PID: 15, Name: "another-idle", OwnerID: 1001, CreatedAt: old},
	}
}

type counting struct{ pids []int32 }

func (c *counting) Terminate(pid int32) error {
	c.pids = append(c.pids, pid)
	return nil
}

func TestSweepDryRun(t *testing.T) {
	src := snapshot.SourceFunc(func(context.Context) ([]snapshot.Record, error) {
		return records(time.Now()), nil
	})
	term := &counting{}
	s := New(src, policy(t), reclaim.New(term), nil)

	rep, err := s.Run(context.Background(), reclaim.DryRun)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.Scanned)
	assert.Equal(t, []int32{10, 15}, rep.Reclaim.WouldTerminate())
	assert.Empty(t, term.pids)
	assert.Equal(t, 1, rep.Skipped[idle.ReasonSystemOwner])
	assert.Equal(t, 1, rep.Skipped[idle.ReasonWhitelisted])
	assert.Equal(t, 1, rep.Skipped[idle.ReasonBusyCPU])
	assert.Equal(t, 1, rep.Skipped[idle.ReasonTooRecent])
	assert.Equal(t, 1, rep.Skipped[idle.ReasonUnreadable])
}

func TestSweepEnforce(t *testing.T) {
	src := snapshot.SourceFunc(func(context.Context) ([]snapshot.Record, error) {
		return records(time.Now()), nil
	})
	term := &counting{}
	rep, err := New(src, policy(t), reclaim.New(term), nil).Run(context.Background(), reclaim.Enforce)
	require.NoError(t, err)
	assert.Equal(t, []int32{10, 15}, term.pids)
	assert.Equal(t, 2, rep.Reclaim.Count(reclaim.Terminated))
}

func TestSweepSnapshotError(t *testing.T) {
	src := snapshot.SourceFunc(func(context.Context) ([]snapshot.Record, error) {
		return nil, errors.New("no procfs")
	})
	_, err := New(src, policy(t), reclaim.New(&counting{}), nil).Run(context.Background(), reclaim.DryRun)
	assert.Error(t, err)
}
