package reclaim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reclaimr/internal/history"
	"github.com/loykin/reclaimr/internal/snapshot"
)

// fakeTerminator records calls and fails pids listed in errs.
type fakeTerminator struct {
	mu    sync.Mutex
	calls []int32
	errs  map[int32]error
}

func (f *fakeTerminator) Terminate(pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pid)
	return f.errs[pid]
}

func targets(pids ...int32) []Target { return TargetsOf("app", pids, nil) }

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"dry-run": DryRun, "DryRun": DryRun, "dry_run": DryRun, " enforce ": Enforce} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("yolo")
	assert.Error(t, err)
}

func TestDryRunNeverTerminates(t *testing.T) {
	ft := &fakeTerminator{}
	r := New(ft)
	rep := r.Reclaim(context.Background(), Batch{Mode: DryRun, Targets: targets(3, 1, 2, 1)})

	assert.Empty(t, ft.calls)
	assert.Equal(t, []int32{1, 2, 3}, rep.WouldTerminate())
	assert.Equal(t, DryRun, rep.Mode)
}

func TestDryRunMatchesEnforceAttempts(t *testing.T) {
	in := targets(9, 4, 4, 7, 0, -1)

	dry := New(&fakeTerminator{}).Reclaim(context.Background(), Batch{Mode: DryRun, Targets: in})

	ft := &fakeTerminator{}
	New(ft).Reclaim(context.Background(), Batch{Mode: Enforce, Targets: in})

	assert.Equal(t, ft.calls, dry.WouldTerminate())
	assert.Equal(t, []int32{4, 7, 9}, ft.calls)
}

func TestEnforceIsBestEffort(t *testing.T) {
	ft := &fakeTerminator{errs: map[int32]error{
		2: fmt.Errorf("pid 2: %w", snapshot.ErrAccessDenied),
		3: fmt.Errorf("pid 3: %w", snapshot.ErrGone),
		4: errors.New("kernel said no"),
	}}
	rep := New(ft).Reclaim(context.Background(), Batch{Mode: Enforce, Targets: targets(1, 2, 3, 4, 5)})

	assert.Equal(t, []int32{1, 2, 3, 4, 5}, ft.calls)
	require.Len(t, rep.Results, 5)
	assert.Equal(t, []int32{1, 5}, rep.PIDs(Terminated))
	assert.Equal(t, []int32{2, 4}, rep.PIDs(Failed))
	assert.Equal(t, []int32{3}, rep.PIDs(AlreadyGone))
	assert.Contains(t, rep.Results[1].Reason, "access denied")
}

func TestEveryAttemptFailingStillReports(t *testing.T) {
	boom := errors.New("boom")
	ft := &fakeTerminator{errs: map[int32]error{1: boom, 2: boom}}
	rep := New(ft).Reclaim(context.Background(), Batch{Mode: Enforce, Targets: targets(1, 2)})
	assert.Equal(t, 2, rep.Count(Failed))
}

func TestEmptyBatch(t *testing.T) {
	rep := New(&fakeTerminator{}).Reclaim(context.Background(), Batch{Mode: Enforce})
	assert.Empty(t, rep.Results)
}

type failingSink struct{}

func (failingSink) Send(context.Context, history.Event) error { return errors.New("sink down") }

func TestAuditEvents(t *testing.T) {
	rec := history.NewRecorder(0)
	ft := &fakeTerminator{errs: map[int32]error{2: snapshot.ErrGone}}
	r := New(ft, WithSink(history.Fanout{failingSink{}, rec}))

	rep := r.Reclaim(context.Background(), Batch{
		Mode:    Enforce,
		Origin:  history.OriginClose,
		Session: "s-1",
		Targets: TargetsOf("chrome", []int32{1, 2}, nil),
	})
	require.Len(t, rep.Results, 2)

	ev := rec.Events()
	require.Len(t, ev, 2)
	assert.Equal(t, history.EventTerminated, ev[0].Type)
	assert.Equal(t, history.EventAlreadyGone, ev[1].Type)
	assert.Equal(t, "s-1", ev[1].Session)
	assert.Equal(t, history.OriginClose, ev[1].Origin)
	assert.Equal(t, "chrome", ev[1].Name)
	assert.Equal(t, "enforce", ev[1].Mode)
}

// identities resolves pids against fixed creation times.
type identities map[int32]time.Time

func (m identities) Resolver(context.Context) snapshot.Resolver {
	return func(pid int32, createdAt time.Time) bool {
		started, ok := m[pid]
		return ok && started.Equal(createdAt)
	}
}

func TestEnforceRechecksIdentity(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	live := identities{1: t0, 2: t0.Add(time.Hour), 4: t0}
	started := map[int32]time.Time{1: t0, 2: t0, 3: t0}

	ft := &fakeTerminator{}
	in := append(TargetsOf("app", []int32{1, 2, 3}, started), Target{PID: 4, Name: "app"})
	rep := New(ft, WithIdentity(live)).Reclaim(context.Background(), Batch{Mode: Enforce, Targets: in})

	assert.Equal(t, []int32{1, 4}, ft.calls, "reused and exited pids are never signalled")
	assert.Equal(t, []int32{2, 3}, rep.PIDs(AlreadyGone))
	assert.Equal(t, []int32{1, 4}, rep.PIDs(Terminated))

	dry := New(&fakeTerminator{}, WithIdentity(live)).Reclaim(context.Background(), Batch{Mode: DryRun, Targets: in})
	assert.Equal(t, []int32{1, 2, 3, 4}, dry.WouldTerminate())
}
