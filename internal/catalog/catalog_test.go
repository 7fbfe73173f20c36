package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/rris/internal/fsutil"
	"github.com/banshee-data/rris/internal/timeutil"
)

func newCatalog(t *testing.T) (*Catalog, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	return New(filepath.Join(t.TempDir(), "catalog"), clock), clock
}

func TestSyncCreatesDayFile(t *testing.T) {
	c, clock := newCatalog(t)

	entries, err := c.Sync([]string{"b.csv", "a.csv"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	want := []Entry{
		{Name: "a.csv", Status: StatusNoNotes},
		{Name: "b.csv", Status: StatusNoNotes},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(c.Path(clock.Now()))
	if err != nil {
		t.Fatalf("catalog file: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["session_id"] != "2024-03-01" {
		t.Errorf("session_id = %v", raw["session_id"])
	}
	entry := raw["a.csv"].(map[string]any)
	if entry["status"] != "No Notes" || entry["tags"] != nil || entry["notes"] != nil {
		t.Errorf("a.csv entry = %v", entry)
	}
}

func TestNotesAndUploadWorkflow(t *testing.T) {
	c, _ := newCatalog(t)
	if err := c.Register("trial.csv", []string{"AA", "BB"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e, err := c.SetNotes("trial.csv", []string{"left knee", "field test", "left knee"}, "squats")
	if err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if e.Status != StatusNotesAdded {
		t.Errorf("status = %q", e.Status)
	}
	if diff := cmp.Diff([]string{"left knee", "field test"}, e.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	// Sync must not reset an entry that already has notes.
	if _, err := c.Sync([]string{"trial.csv"}); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkUploaded("trial.csv"); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	got, err := c.Get("trial.csv")
	if err != nil {
		t.Fatal(err)
	}
	notes := "squats"
	want := Entry{
		Name:    "trial.csv",
		Tags:    []string{"left knee", "field test"},
		Devices: []string{"AA", "BB"},
		Notes:   &notes,
		Status:  StatusUploaded,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestSetNotesRejects(t *testing.T) {
	c, _ := newCatalog(t)
	if _, err := c.SetNotes("missing.csv", nil, ""); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("unknown file error = %v", err)
	}
	if err := c.Register("a.csv", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetNotes("a.csv", []string{"elbow"}, ""); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("unknown tag error = %v", err)
	}
	if err := c.MarkUploaded("missing.csv"); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("MarkUploaded unknown error = %v", err)
	}
}

func TestDeleteAndNewDay(t *testing.T) {
	c, clock := newCatalog(t)
	if err := c.Register("a.csv", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("a.csv"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("a.csv"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := c.Get("a.csv"); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("Get after Delete error = %v", err)
	}

	if err := c.Register("b.csv", nil); err != nil {
		t.Fatal(err)
	}
	clock.Advance(24 * time.Hour)
	day, err := c.Today()
	if err != nil {
		t.Fatal(err)
	}
	if day.SessionID != "2024-03-02" || len(day.Entries) != 0 {
		t.Errorf("new day = %+v", day)
	}
}

func TestCorruptCatalog(t *testing.T) {
	c, clock := newCatalog(t)
	if err := os.MkdirAll(filepath.Dir(c.Path(clock.Now())), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.Path(clock.Now()), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Today(); err == nil {
		t.Error("expected parse error")
	}
}

func TestInMemoryCatalog(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	c := NewWithFS("/catalogs", clock, mem)

	if err := c.Register("a.csv", []string{"AA"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.MarkUploaded("a.csv"); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}

	files := mem.Files("/catalogs")
	if len(files) != 1 || files[0] != c.Path(clock.Now()) {
		t.Fatalf("stored files = %v, want only %s", files, c.Path(clock.Now()))
	}
	e, err := c.Get("a.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusUploaded {
		t.Errorf("status = %q, want %q", e.Status, StatusUploaded)
	}
	if err := c.MarkUploaded("missing.csv"); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("MarkUploaded(missing) err = %v, want ErrUnknownFile", err)
	}
}
