// Package catalog keeps the per-day notes, tags and upload status of saved
// recordings in {date}.json files.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/rris/internal/fsutil"
	"github.com/banshee-data/rris/internal/timeutil"
)

// DateLayout names catalog files and their session_id.
const DateLayout = "2006-01-02"

// Status is a recording's place in the notes and upload workflow.
type Status string

const (
	StatusNoNotes    Status = "No Notes"
	StatusNotesAdded Status = "Notes Added"
	StatusUploaded   Status = "File Uploaded"
)

// Tags is the vocabulary notes may be tagged with.
var Tags = []string{"left knee", "right knee", "internal test", "software test", "sweat test", "field test"}

var (
	ErrUnknownTag  = errors.New("unknown tag")
	ErrUnknownFile = errors.New("file not in catalog")
)

// Entry describes one saved recording.
type Entry struct {
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
	Devices []string `json:"devices"`
	Notes   *string  `json:"notes"`
	Status  Status   `json:"status"`
}

// Day is one catalog file. On disk the entries sit beside session_id at the
// top level, keyed by file name.
type Day struct {
	SessionID string
	Entries   map[string]Entry
}

func (d Day) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Entries)+1)
	for name, e := range d.Entries {
		m[name] = e
	}
	m["session_id"] = d.SessionID
	return json.Marshal(m)
}

func (d *Day) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Entries = make(map[string]Entry, len(raw))
	for key, v := range raw {
		if key == "session_id" {
			if err := json.Unmarshal(v, &d.SessionID); err != nil {
				return fmt.Errorf("session_id: %w", err)
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("entry %q: %w", key, err)
		}
		if e.Name == "" {
			e.Name = key
		}
		d.Entries[key] = e
	}
	return nil
}

// Sorted returns the entries ordered by name.
func (d Day) Sorted() []Entry {
	out := make([]Entry, 0, len(d.Entries))
	for _, e := range d.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog reads and writes the catalog for the current day.
type Catalog struct {
	dir   string
	clock timeutil.Clock
	fs    fsutil.FileSystem
	mu    sync.Mutex
}

// New returns a Catalog stored in dir on disk. A nil clock uses wall time.
func New(dir string, clock timeutil.Clock) *Catalog {
	return NewWithFS(dir, clock, fsutil.OSFileSystem{})
}

// NewWithFS returns a Catalog stored in dir on fsys.
func NewWithFS(dir string, clock timeutil.Clock, fsys fsutil.FileSystem) *Catalog {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Catalog{dir: dir, clock: clock, fs: fsys}
}

// Path returns the catalog file for day.
func (c *Catalog) Path(day time.Time) string {
	return filepath.Join(c.dir, day.Format(DateLayout)+".json")
}

// Today loads the current day's catalog, creating an empty one if needed.
func (c *Catalog) Today() (Day, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *Catalog) load() (Day, error) {
	now := c.clock.Now()
	day := Day{SessionID: now.Format(DateLayout), Entries: map[string]Entry{}}
	data, err := c.fs.ReadFile(c.Path(now))
	if errors.Is(err, os.ErrNotExist) {
		return day, nil
	}
	if err != nil {
		return Day{}, fmt.Errorf("failed to read catalog: %w", err)
	}
	if err := json.Unmarshal(data, &day); err != nil {
		return Day{}, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return day, nil
}

func (c *Catalog) save(day Day) error {
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create catalog dir: %w", err)
	}
	data, err := json.MarshalIndent(day, "", "  ")
	if err != nil {
		return err
	}
	path := c.Path(c.clock.Now())
	tmp := path + ".tmp"
	if err := c.fs.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return c.fs.Rename(tmp, path)
}

func (c *Catalog) update(fn func(*Day) error) (Day, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	day, err := c.load()
	if err != nil {
		return Day{}, err
	}
	if err := fn(&day); err != nil {
		return Day{}, err
	}
	return day, c.save(day)
}

// Sync adds a "No Notes" entry for every file the catalog does not know yet
// and returns all entries.
func (c *Catalog) Sync(files []string) ([]Entry, error) {
	day, err := c.update(func(d *Day) error {
		for _, name := range files {
			if _, ok := d.Entries[name]; !ok {
				d.Entries[name] = Entry{Name: name, Status: StatusNoNotes}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return day.Sorted(), nil
}

// Register records a freshly saved file and the devices it holds.
func (c *Catalog) Register(name string, devices []string) error {
	_, err := c.update(func(d *Day) error {
		e, ok := d.Entries[name]
		if !ok {
			e = Entry{Name: name, Status: StatusNoNotes}
		}
		e.Devices = slices.Clone(devices)
		d.Entries[name] = e
		return nil
	})
	return err
}

// Get returns one entry.
func (c *Catalog) Get(name string) (Entry, error) {
	day, err := c.Today()
	if err != nil {
		return Entry{}, err
	}
	e, ok := day.Entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}
	return e, nil
}

// SetNotes replaces an entry's tags and notes and marks it "Notes Added".
// Every tag must come from Tags; duplicates are dropped.
func (c *Catalog) SetNotes(name string, tags []string, notes string) (Entry, error) {
	var clean []string
	for _, t := range tags {
		if !slices.Contains(Tags, t) {
			return Entry{}, fmt.Errorf("%w: %q", ErrUnknownTag, t)
		}
		if !slices.Contains(clean, t) {
			clean = append(clean, t)
		}
	}
	var out Entry
	_, err := c.update(func(d *Day) error {
		e, ok := d.Entries[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFile, name)
		}
		e.Tags = clean
		e.Notes = &notes
		e.Status = StatusNotesAdded
		d.Entries[name] = e
		out = e
		return nil
	})
	return out, err
}

// MarkUploaded sets an entry's status to "File Uploaded".
func (c *Catalog) MarkUploaded(name string) error {
	_, err := c.update(func(d *Day) error {
		e, ok := d.Entries[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFile, name)
		}
		e.Status = StatusUploaded
		d.Entries[name] = e
		return nil
	})
	return err
}

// Delete drops an entry. Deleting an unknown entry is not an error.
func (c *Catalog) Delete(name string) error {
	_, err := c.update(func(d *Day) error {
		delete(d.Entries, name)
		return nil
	})
	return err
}
