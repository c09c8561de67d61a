package schema

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Registry stores the learned schema per endpoint pattern and optionally
// persists the whole table to a JSON document so schemas survive restarts.
type Registry struct {
	mu          sync.Mutex
	schemas     map[string]*Node
	persistPath string
	log         *slog.Logger
}

// NewRegistry creates a Registry. persistPath may be empty, in which case
// schemas live only in memory. An existing document is loaded eagerly; load
// errors are logged and the registry starts empty.
func NewRegistry(persistPath string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		schemas:     make(map[string]*Node),
		persistPath: persistPath,
		log:         log,
	}
	if persistPath != "" {
		if err := r.load(); err != nil && !os.IsNotExist(err) {
			log.Warn("schema registry load failed",
				slog.String("path", persistPath),
				slog.String("error", err.Error()),
			)
		}
	}
	return r
}

// Get returns the current schema for a pattern, or nil if unseen. The
// returned tree is shared; callers must not mutate it.
func (r *Registry) Get(pattern string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schemas[pattern]
}

// Set stores a schema for a pattern and persists the table.
func (r *Registry) Set(pattern string, node *Node) {
	r.mu.Lock()
	r.schemas[pattern] = node
	r.mu.Unlock()
	r.persist()
}

// Patterns returns every pattern with a learned schema.
func (r *Registry) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.schemas))
	for p := range r.schemas {
		out = append(out, p)
	}
	return out
}

// LearnAndCompare folds one observed response into the pattern's schema and
// returns the contract changes it introduced. The comparison runs against a
// fresh single-observation schema of the payload, so removals and type
// flips in the latest response are visible even though the accumulated
// schema only ever grows. Returns nil changes on the first observation.
func (r *Registry) LearnAndCompare(pattern string, responseBody any) []Change {
	r.mu.Lock()
	previous := r.schemas[pattern]
	snapshot := previous.Clone()
	updated := Learn(previous, responseBody)
	r.schemas[pattern] = updated
	r.mu.Unlock()
	r.persist()

	if snapshot == nil {
		return nil
	}
	observed := Learn(nil, responseBody)
	return Compare(snapshot, observed)
}

// Flush forces an immediate save. Call on shutdown.
func (r *Registry) Flush() {
	r.persist()
}

// persist writes the whole schema table with a temp-file + rename so a
// crash mid-write never corrupts the document.
func (r *Registry) persist() {
	if r.persistPath == "" {
		return
	}
	r.mu.Lock()
	data, err := json.Marshal(r.schemas)
	r.mu.Unlock()
	if err != nil {
		r.log.Warn("schema registry marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := atomicWrite(r.persistPath, data); err != nil {
		r.log.Warn("schema registry save failed",
			slog.String("path", r.persistPath),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return err
	}
	schemas := make(map[string]*Node)
	if err := json.Unmarshal(data, &schemas); err != nil {
		return fmt.Errorf("decode %s: %w", r.persistPath, err)
	}
	r.mu.Lock()
	r.schemas = schemas
	r.mu.Unlock()
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
