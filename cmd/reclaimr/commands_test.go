package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/loykin/reclaimr"
	"github.com/loykin/reclaimr/internal/snapshot"
)

type recordingTerm struct {
	mu     sync.Mutex
	killed []int32
}

func (r *recordingTerm) Terminate(pid int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, pid)
	return nil
}

type constUsage float64

func (u constUsage) MemoryPercent(context.Context) (float64, error) { return float64(u), nil }

type constSystem struct{}

func (constSystem) Read(context.Context) (reclaimr.SystemMetrics, error) {
	return reclaimr.SystemMetrics{Timestamp: time.Now(), CPUPercent: 12, MemoryPercent: 34, DiskPercent: 56}, nil
}

func fakeRecords() []snapshot.Record {
	now := time.Now()
	return []snapshot.Record{
		{PID: 101, Name: "chrome", OwnerID: 1001, CreatedAt: now.Add(-120 * time.Second), CPUPercent: 4, RSSBytes: 700 << 20},
		{PID: 102, Name: "chrome", OwnerID: 1001, CreatedAt: now.Add(-60 * time.Second), CPUPercent: 2, RSSBytes: 100 << 20},
		{PID: 201, Name: "idlegame", OwnerID: 1001, CreatedAt: now.Add(-900 * time.Second), RSSBytes: 4 << 20},
		{PID: 301, Name: "sshd", OwnerID: 0, CreatedAt: now.Add(-9000 * time.Second), RSSBytes: 6 << 20},
	}
}

// writeTOML writes a config that keeps every file inside the test dir.
func writeTOML(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "reclaimr.toml")
	content := `
[log]
level = "error"

[idle]
owner_threshold = 1000

[scorer]
model_path = "` + filepath.ToSlash(filepath.Join(dir, "model.json")) + `"
corpus_path = "` + filepath.ToSlash(filepath.Join(dir, "corpus.csv")) + `"

[sampler]
gpu = false
` + extra
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestCommand(t *testing.T, extra string) (*command, *recordingTerm) {
	t.Helper()
	term := &recordingTerm{}
	return &command{
		globals: &GlobalFlags{ConfigPath: writeTOML(t, extra)},
		opts: []reclaimr.Option{
			reclaimr.WithSource(snapshot.SourceFunc(func(context.Context) ([]snapshot.Record, error) { return fakeRecords(), nil })),
			reclaimr.WithTerminator(term),
			reclaimr.WithUsageReader(constUsage(90)),
			reclaimr.WithSystemReader(constSystem{}),
		},
	}, term
}

func TestGroupsTable(t *testing.T) {
	c, _ := newTestCommand(t, "")
	var buf bytes.Buffer
	require.NoError(t, c.Groups(context.Background(), &buf, GroupsFlags{Order: "name"}))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Less(t, strings.Index(out, "chrome"), strings.Index(out, "idlegame"))
	assert.Contains(t, out, "-", "unknown priority renders as a dash")
}

func TestGroupsJSONAndYAML(t *testing.T) {
	c, _ := newTestCommand(t, "")

	var buf bytes.Buffer
	require.NoError(t, c.Groups(context.Background(), &buf, GroupsFlags{Output: "json", Search: "idle"}))
	var groups []reclaimr.Group
	require.NoError(t, json.Unmarshal(buf.Bytes(), &groups))
	require.Len(t, groups, 3)
	assert.Equal(t, "idlegame", groups[0].Name)

	buf.Reset()
	require.NoError(t, c.Groups(context.Background(), &buf, GroupsFlags{Output: "yaml", Order: "-name"}))
	var raw []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &raw))
	require.Len(t, raw, 3)
	assert.Equal(t, "sshd", raw[0]["name"])
}

func TestGroupsBadFlags(t *testing.T) {
	c, _ := newTestCommand(t, "")
	require.Error(t, c.Groups(context.Background(), &bytes.Buffer{}, GroupsFlags{Output: "xml"}))
	require.Error(t, c.Groups(context.Background(), &bytes.Buffer{}, GroupsFlags{Order: "size"}))
}

func TestBadConfigPath(t *testing.T) {
	c := &command{globals: &GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}}
	err := c.Groups(context.Background(), &bytes.Buffer{}, GroupsFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestCandidatesIncludeUnscored(t *testing.T) {
	c, _ := newTestCommand(t, "\n[negotiation]\ninclude_unscored = true\n")
	var buf bytes.Buffer
	require.NoError(t, c.Candidates(context.Background(), &buf, CandidatesFlags{Exclude: []string{"sshd"}}))
	out := buf.String()
	assert.Contains(t, out, "chrome")
	assert.Contains(t, out, "idlegame")
	assert.NotContains(t, out, "sshd")
	assert.Less(t, strings.Index(out, "chrome"), strings.Index(out, "idlegame"))
}

func TestSweepDryRunAndEnforce(t *testing.T) {
	c, term := newTestCommand(t, "")

	var buf bytes.Buffer
	require.NoError(t, c.Sweep(context.Background(), &buf, SweepFlags{}))
	assert.Contains(t, buf.String(), "[dry-run]")
	assert.Contains(t, buf.String(), "idlegame")
	assert.Contains(t, buf.String(), "system_owner=1")
	assert.Empty(t, term.killed)

	buf.Reset()
	require.NoError(t, c.Sweep(context.Background(), &buf, SweepFlags{Mode: "enforce"}))
	assert.Contains(t, buf.String(), "terminated processes:")
	assert.Equal(t, []int32{201}, term.killed)
}

func TestCloseCommand(t *testing.T) {
	c, term := newTestCommand(t, "")

	require.Error(t, c.Close(context.Background(), &bytes.Buffer{}, CloseFlags{}))
	err := c.Close(context.Background(), &bytes.Buffer{}, CloseFlags{Name: "nope"})
	require.ErrorIs(t, err, reclaimr.ErrUnknownGroup)

	var buf bytes.Buffer
	require.NoError(t, c.Close(context.Background(), &buf, CloseFlags{Name: "chrome", Mode: "enforce", Output: "json"}))
	var rep reclaimr.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rep))
	assert.Equal(t, reclaimr.Enforce, rep.Mode)
	assert.Equal(t, []int32{101, 102}, term.killed)
}

func TestSuggestSession(t *testing.T) {
	c, term := newTestCommand(t, "\n[negotiation]\ninclude_unscored = true\n")
	// reject chrome, then exit at idlegame; root-owned sshd is never offered
	in := strings.NewReader("r\nx\n")
	var buf bytes.Buffer
	require.NoError(t, c.Suggest(context.Background(), in, &buf, SuggestFlags{}))
	out := buf.String()
	assert.Contains(t, out, "warning: no scoring model loaded")
	assert.Contains(t, out, `close "chrome"`)
	assert.Contains(t, out, `close "idlegame"`)
	assert.NotContains(t, out, `close "sshd"`)
	assert.Contains(t, out, "finished: exited")
	assert.Contains(t, out, "rejected: [chrome]")
	assert.Empty(t, term.killed)
}

func TestSuggestEOF(t *testing.T) {
	c, _ := newTestCommand(t, "\n[negotiation]\ninclude_unscored = true\n")
	err := c.Suggest(context.Background(), strings.NewReader(""), &bytes.Buffer{}, SuggestFlags{})
	require.Error(t, err)
}

func TestMonitorCount(t *testing.T) {
	c, _ := newTestCommand(t, "")
	var buf bytes.Buffer
	require.NoError(t, c.Monitor(context.Background(), &buf, MonitorFlags{Interval: time.Millisecond, Count: 3}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ram  34.0%")
}

func TestCollectTrainModel(t *testing.T) {
	c, _ := newTestCommand(t, "")
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, c.Collect(ctx, &buf, CollectFlags{Duration: time.Millisecond, Interval: time.Millisecond}))
	assert.Contains(t, buf.String(), "wrote 3 rows")

	buf.Reset()
	require.NoError(t, c.ModelShow(&buf, ModelFlags{}))
	assert.Contains(t, buf.String(), "no model loaded")

	buf.Reset()
	require.NoError(t, c.Train(ctx, &buf, TrainFlags{}))
	assert.Contains(t, buf.String(), "model.json")

	buf.Reset()
	require.NoError(t, c.ModelReload(&buf, ModelFlags{Output: "json"}))
	var info reclaimr.ModelInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.True(t, info.Loaded)

	buf.Reset()
	require.NoError(t, c.Groups(ctx, &buf, GroupsFlags{Output: "json"}))
	var groups []reclaimr.Group
	require.NoError(t, json.Unmarshal(buf.Bytes(), &groups))
	for _, g := range groups {
		assert.True(t, g.PriorityKnown, g.Name)
	}
}

func TestRemoteCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, term := newTestCommand(t, "")
	cfg, err := c.loadConfig()
	require.NoError(t, err)
	g, err := reclaimr.New(cfg, c.opts...)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()
	srv := httptest.NewServer(reclaimr.NewRouter(g).Handler())
	defer srv.Close()

	remote := RemoteFlags{APIUrl: srv.URL + "/api/", APITimeout: 5 * time.Second}
	ctx := context.Background()
	// remote calls must not need a config file
	rc := &command{globals: &GlobalFlags{ConfigPath: "/does/not/exist.toml"}}

	var buf bytes.Buffer
	require.NoError(t, rc.Groups(ctx, &buf, GroupsFlags{Order: "name", RemoteFlags: remote}))
	assert.Contains(t, buf.String(), "idlegame")

	buf.Reset()
	require.NoError(t, rc.Sweep(ctx, &buf, SweepFlags{RemoteFlags: remote}))
	assert.Contains(t, buf.String(), "idlegame")

	buf.Reset()
	require.NoError(t, rc.Close(ctx, &buf, CloseFlags{Name: "chrome", Mode: "enforce", RemoteFlags: remote}))
	assert.Equal(t, []int32{101, 102}, term.killed)

	err = rc.Close(ctx, &buf, CloseFlags{Name: "ghost", RemoteFlags: remote})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	buf.Reset()
	require.NoError(t, rc.ModelShow(&buf, ModelFlags{RemoteFlags: remote}))
	assert.Contains(t, buf.String(), "no model loaded")

	err = rc.ModelReload(&buf, ModelFlags{RemoteFlags: remote})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}
