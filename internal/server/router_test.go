package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reclaimr/internal/aggregate"
	"github.com/loykin/reclaimr/internal/negotiate"
	"github.com/loykin/reclaimr/internal/reclaim"
	"github.com/loykin/reclaimr/internal/sampler"
	"github.com/loykin/reclaimr/internal/scorer"
	"github.com/loykin/reclaimr/internal/sweep"
)

type fakeGov struct {
	groups     map[string]aggregate.Group
	groupsErr  error
	excluded   []string
	sweepMode  reclaim.Mode
	closeName  string
	closeMode  reclaim.Mode
	reloadErr  error
	retrainErr error
}

func (f *fakeGov) Groups(context.Context) (map[string]aggregate.Group, error) {
	return f.groups, f.groupsErr
}

func (f *fakeGov) Candidates(_ context.Context, exclude ...string) ([]negotiate.Suggestion, error) {
	f.excluded = exclude
	rej := negotiate.RejectionSet{}
	for _, n := range exclude {
		rej.Add(n)
	}
	return negotiate.Select(f.groups, negotiate.Criteria{Threshold: 4}, rej), nil
}

func (f *fakeGov) System(context.Context) (sampler.SystemMetrics, error) {
	return sampler.SystemMetrics{CPUPercent: 12.5, MemoryPercent: 70}, nil
}

func (f *fakeGov) SystemHistory() []sampler.SystemMetrics {
	return []sampler.SystemMetrics{{CPUPercent: 1}, {CPUPercent: 2}}
}

func (f *fakeGov) Sweep(_ context.Context, mode reclaim.Mode) (sweep.Report, error) {
	f.sweepMode = mode
	return sweep.Report{Session: "s1", Mode: mode, Scanned: 3}, nil
}

func (f *fakeGov) CloseGroup(_ context.Context, name string, mode reclaim.Mode) (reclaim.Report, error) {
	f.closeName, f.closeMode = name, mode
	g, ok := f.groups[name]
	if !ok {
		return reclaim.Report{}, fmt.Errorf("%w: %s", aggregate.ErrUnknownGroup, name)
	}
	rep := reclaim.Report{Mode: reclaim.DryRun}
	for _, pid := range g.PIDs {
		rep.Results = append(rep.Results, reclaim.Result{PID: pid, Name: name, Outcome: reclaim.WouldTerminate})
	}
	return rep, nil
}

func (f *fakeGov) ModelInfo() scorer.Info { return scorer.Info{Shape: scorer.ShapeRuntime} }

func (f *fakeGov) ReloadModel() (scorer.Info, error) {
	return scorer.Info{Shape: scorer.ShapeRuntime, Loaded: f.reloadErr == nil}, f.reloadErr
}

func (f *fakeGov) RetrainModel(context.Context) (scorer.Info, error) {
	return scorer.Info{Shape: scorer.ShapeRuntime, Loaded: true, Path: "m.json"}, f.retrainErr
}

func newFakeGov() *fakeGov {
	return &fakeGov{groups: map[string]aggregate.Group{
		"chrome": {Name: "chrome", PIDs: []int32{10, 11}, Count: 2, CPUPercent: 5, MemoryMB: 900, Priority: 2, PriorityKnown: true},
		"vim":    {Name: "vim", PIDs: []int32{20}, Count: 1, CPUPercent: 0, MemoryMB: 10, Priority: 9, PriorityKnown: true},
		"slack":  {Name: "slack", PIDs: []int32{30}, Count: 1, CPUPercent: 1, MemoryMB: 300, Priority: 3, PriorityKnown: true},
	}}
}

func setupRouter(t *testing.T, gov Governor, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(gov, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGroupsOrderAndSearch(t *testing.T) {
	h := setupRouter(t, newFakeGov(), "/api")

	rec := doReq(t, h, http.MethodGet, "/api/groups")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]aggregate.Group](t, rec)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"chrome", "slack", "vim"}, []string{got[0].Name, got[1].Name, got[2].Name})

	rec = doReq(t, h, http.MethodGet, "/api/groups?order=-name")
	got = decode[[]aggregate.Group](t, rec)
	assert.Equal(t, "vim", got[0].Name)

	rec = doReq(t, h, http.MethodGet, "/api/groups?search=SLA")
	got = decode[[]aggregate.Group](t, rec)
	require.NotEmpty(t, got)
	assert.Equal(t, "slack", got[0].Name)
}

func TestGroupsBadOrder(t *testing.T) {
	h := setupRouter(t, newFakeGov(), "")
	rec := doReq(t, h, http.MethodGet, "/groups?order=size")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroupsSourceError(t *testing.T) {
	gov := newFakeGov()
	gov.groupsErr = errors.New("boom")
	h := setupRouter(t, gov, "")
	rec := doReq(t, h, http.MethodGet, "/groups")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestCandidates(t *testing.T) {
	gov := newFakeGov()
	h := setupRouter(t, gov, "")

	rec := doReq(t, h, http.MethodGet, "/candidates")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]negotiate.Suggestion](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, "chrome", got[0].Group.Name)
	assert.Equal(t, "slack", got[1].Group.Name)

	rec = doReq(t, h, http.MethodGet, "/candidates?exclude=chrome,slack")
	assert.Equal(t, []string{"chrome", "slack"}, gov.excluded)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSystem(t *testing.T) {
	h := setupRouter(t, newFakeGov(), "")

	rec := doReq(t, h, http.MethodGet, "/system")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[systemResp](t, rec)
	assert.Equal(t, 70.0, got.Current.MemoryPercent)
	assert.Empty(t, got.History)

	rec = doReq(t, h, http.MethodGet, "/system?history=1")
	got = decode[systemResp](t, rec)
	assert.Len(t, got.History, 2)
}

func TestSweepMode(t *testing.T) {
	gov := newFakeGov()
	h := setupRouter(t, gov, "")

	rec := doReq(t, h, http.MethodPost, "/sweep")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reclaim.Mode(""), gov.sweepMode)

	rec = doReq(t, h, http.MethodPost, "/sweep?mode=enforce")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reclaim.Enforce, gov.sweepMode)

	rec = doReq(t, h, http.MethodPost, "/sweep?mode=later")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/sweep")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseGroup(t *testing.T) {
	gov := newFakeGov()
	h := setupRouter(t, gov, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/groups/close")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/groups/close?name=ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/groups/close?name=chrome&mode=dry-run")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chrome", gov.closeName)
	assert.Equal(t, reclaim.DryRun, gov.closeMode)
	rep := decode[reclaim.Report](t, rec)
	assert.Equal(t, []int32{10, 11}, rep.PIDs(reclaim.WouldTerminate))
}

func TestModelEndpoints(t *testing.T) {
	gov := newFakeGov()
	h := setupRouter(t, gov, "")

	rec := doReq(t, h, http.MethodGet, "/model")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scorer.ShapeRuntime, decode[scorer.Info](t, rec).Shape)

	rec = doReq(t, h, http.MethodPost, "/model/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[scorer.Info](t, rec).Loaded)

	gov.reloadErr = scorer.ErrShapeMismatch
	rec = doReq(t, h, http.MethodPost, "/model/reload")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/model/retrain")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m.json", decode[scorer.Info](t, rec).Path)

	gov.retrainErr = errors.New("trainer exited 1")
	rec = doReq(t, h, http.MethodPost, "/model/retrain")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMetricsMount(t *testing.T) {
	metricsH := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("reclaimr_up 1\n"))
	})
	h := setupRouter(t, newFakeGov(), "/api", WithMetricsHandler(metricsH))
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reclaimr_up")

	h = setupRouter(t, newFakeGov(), "/api")
	rec = doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
