package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/store"
)

func newRouterStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouterHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newRouter(newRouterStore(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterRuns(t *testing.T) {
	t.Parallel()

	st := newRouterStore(t)
	run := &model.ImportRun{
		ID:         "run-1",
		SourceHash: "hash-1",
		SourcePath: "/exports/export.xml",
		Mode:       model.ModeStreaming,
		Status:     model.RunStatusInProgress,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(context.Background(), run))

	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Runs []model.ImportRun `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "run-1", list.Runs[0].ID)

	one, err := http.Get(srv.URL + "/api/runs/run-1")
	require.NoError(t, err)
	defer one.Body.Close()
	assert.Equal(t, http.StatusOK, one.StatusCode)

	missing, err := http.Get(srv.URL + "/api/runs/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRouterCheckpoints(t *testing.T) {
	t.Parallel()

	st := newRouterStore(t)
	now := time.Now().UTC()
	require.NoError(t, st.CommitBatch(context.Background(), store.BatchCommit{
		SourceHash: "hash-cp", Category: model.CategoryVitals,
		LastSeq: 42, LastTime: now, MaxObservationTime: now,
	}))

	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	missing, err := http.Get(srv.URL + "/api/checkpoints")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)

	resp, err := http.Get(srv.URL + "/api/checkpoints?source=hash-cp")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SourceHash  string                              `json:"source_hash"`
		Checkpoints map[model.Category]model.Checkpoint `json:"checkpoints"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "hash-cp", body.SourceHash)
	require.Contains(t, body.Checkpoints, model.CategoryVitals)
	assert.Equal(t, int64(42), body.Checkpoints[model.CategoryVitals].LastSeq)
}

func TestFormatRunsList(t *testing.T) {
	t.Parallel()

	stats := model.NewRunStats()
	stats.Category(model.CategoryVitals).Written = 7
	var sb strings.Builder
	formatRunsList(&sb, []model.ImportRun{{
		ID:        "abc",
		Mode:      model.ModeStreaming,
		Status:    model.RunStatusComplete,
		Stats:     stats,
		StartedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}})

	out := sb.String()
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "7")
}
