package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rris/internal/buffer"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "rris.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(v float64) *float64 { return &v }

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)
	fsys := MigrationsFS()

	version, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown(fsys))
	version, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp(fsys))
	require.NoError(t, db.MigrateUp(fsys), "up at latest is a no-op")
}

func TestSaveAndLoadRecording(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	channels := []Channel{
		{
			Address:   "AA",
			Slope:     ptr(0.225),
			Intercept: ptr(-22.5),
			Data: buffer.Snapshot{
				Time:       []float64{0, 100, 300},
				Raw:        []float64{10, 12, 8},
				Calibrated: []float64{1, 2},
			},
		},
		{
			Address: "BB",
			Data:    buffer.Snapshot{Time: []float64{0}, Raw: []float64{7}},
		},
	}

	rec, err := db.SaveRecording(ctx, "trial.csv", 50, created, channels)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 4, rec.Samples)

	got, err := db.Recording(ctx, rec.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("recording mismatch (-want +got):\n%s", diff)
	}

	loaded, err := db.Channels(ctx, rec.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(channels, loaded); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}

	latest, err := db.LatestByName(ctx, "trial.csv")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, latest.ID)

	list, err := db.Recordings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"AA", "BB"}, list[0].Devices)

	require.NoError(t, db.DeleteRecording(ctx, rec.ID))
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&n))
	assert.Zero(t, n, "samples cascade with their recording")
	assert.True(t, errors.Is(db.DeleteRecording(ctx, rec.ID), ErrNotFound))
	_, err = db.Channels(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.LatestByName(ctx, "trial.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRecordingDuplicateDeviceRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ch := Channel{Address: "AA", Data: buffer.Snapshot{Time: []float64{0}, Raw: []float64{1}}}
	_, err := db.SaveRecording(ctx, "dup.csv", 10, time.Now(), []Channel{ch, ch})
	require.Error(t, err)

	list, err := db.Recordings(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, path))
	assert.Contains(t, out.String(), "Current version: 2 (dirty: false)")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"down"}, path))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"force", "2"}, path))
	assert.Contains(t, out.String(), "Current version: 2")

	assert.Error(t, RunMigrateCommand(&out, nil, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"sideways"}, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"force", "x"}, path))
}

func TestAdminBackupRoute(t *testing.T) {
	db := newTestDB(t)
	_, err := db.SaveRecording(context.Background(), "a.csv", 10, time.Now(), nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:4321"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.HasSuffix(rec.Header().Get("Content-Disposition"), ".db.gz"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("SQLite format 3")))
}
