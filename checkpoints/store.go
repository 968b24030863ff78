package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// RetentionPolicy controls which numbered artifacts survive a save.
type RetentionPolicy string

const (
	// KeepAll never deletes artifacts.
	KeepAll RetentionPolicy = "all"
	// KeepLatestAndBest prunes every numbered artifact that is neither the
	// latest checkpoint nor the best for some tracked metric.
	KeepLatestAndBest RetentionPolicy = "latest_and_best"
)

// ParseRetentionPolicy maps a configuration string to a RetentionPolicy.
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	switch RetentionPolicy(s) {
	case "":
		return KeepLatestAndBest, nil
	case KeepAll, KeepLatestAndBest:
		return RetentionPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown retention policy %q", s)
	}
}

const (
	artifactPrefix = "ckpt_"
	latestPointer  = "ckpt_latest"
	bestPrefix     = "ckpt_best_"
	stateFile      = "ckpt_state"
	schemaVersion  = 1
)

// MetricRecord is the durable best-checkpoint bookkeeping for one metric.
type MetricRecord struct {
	Criterion Criterion `json:"criterion"`
	Value     float64   `json:"value"`
	Path      string    `json:"path"` // artifact name, relative to the store dir
	Iteration int       `json:"iteration"`
}

// storeState is the ckpt_state record, reloadable across process restarts.
type storeState struct {
	SchemaVersion int                      `json:"schema_version"`
	Latest        string                   `json:"latest,omitempty"`
	Saved         []string                 `json:"saved,omitempty"`
	Metrics       map[string]*MetricRecord `json:"metrics"`
}

// Store persists and restores checkpoints under <root>/checkpoints. It owns
// the latest pointer, one best pointer per tracked metric, and the durable
// ckpt_state record that lets best-tracking survive a resume.
type Store struct {
	dir       string
	retention RetentionPolicy

	mu       sync.Mutex
	tracked  map[string]Criterion
	reported map[string]float64
	state    storeState
}

// NewStore opens (or creates) the checkpoint directory under root and
// reloads prior ckpt_state bookkeeping if present.
func NewStore(root string, retention RetentionPolicy) (*Store, error) {
	if retention == "" {
		retention = KeepLatestAndBest
	}
	dir := filepath.Join(root, "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		retention: retention,
		tracked:   make(map[string]Criterion),
		reported:  make(map[string]float64),
		state: storeState{
			SchemaVersion: schemaVersion,
			Metrics:       make(map[string]*MetricRecord),
		},
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// Track registers a metric whose best checkpoint the store maintains.
func (s *Store) Track(name string, c Criterion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[name] = c
}

// Report records the latest summarized value for a tracked metric. The next
// save compares it against the recorded best for that metric.
func (s *Store) Report(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported[name] = value
}

// ArtifactPath returns the deterministic path for the given iteration.
func (s *Store) ArtifactPath(iteration int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d", artifactPrefix, iteration))
}

// LatestPath returns the path behind the latest pointer, or "" before the
// first save.
func (s *Store) LatestPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Latest == "" {
		return ""
	}
	return filepath.Join(s.dir, s.state.Latest)
}

// BestPath returns the path of the best checkpoint for a tracked metric.
func (s *Store) BestPath(metric string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Metrics[metric]
	if !ok {
		return "", false
	}
	return filepath.Join(s.dir, rec.Path), true
}

// Best returns the recorded best value for a tracked metric.
func (s *Store) Best(metric string) (MetricRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Metrics[metric]
	if !ok {
		return MetricRecord{}, false
	}
	return *rec, true
}

// SavedArtifacts returns the numbered artifacts currently on disk, sorted.
func (s *Store) SavedArtifacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.state.Saved...)
	sort.Strings(out)
	return out
}

// Save persists the checkpoint, advances the latest pointer, updates best
// pointers for every tracked metric whose last reported value improves on
// the recorded best, durably rewrites ckpt_state and applies retention.
// The artifact is fully written before any pointer moves.
func (s *Store) Save(ck *Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := fmt.Sprintf("%s%d", artifactPrefix, ck.Iteration)
	path := filepath.Join(s.dir, name)
	if err := Write(ck, path); err != nil {
		return "", err
	}

	if !contains(s.state.Saved, name) {
		s.state.Saved = append(s.state.Saved, name)
	}
	s.state.Latest = name
	if err := s.writePointer(latestPointer, name); err != nil {
		return "", err
	}

	for metric, criterion := range s.tracked {
		value, ok := s.reported[metric]
		if !ok {
			continue
		}
		rec := s.state.Metrics[metric]
		if rec != nil && !criterion.Improves(value, rec.Value) {
			continue // ties keep the earlier checkpoint
		}
		s.state.Metrics[metric] = &MetricRecord{
			Criterion: criterion,
			Value:     value,
			Path:      name,
			Iteration: ck.Iteration,
		}
		if err := s.writePointer(bestPrefix+metric, name); err != nil {
			return "", err
		}
	}

	s.applyRetention()
	if err := s.writeState(); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a checkpoint by explicit path. The path must reference an
// existing artifact file; ErrCheckpointNotFound otherwise.
func (s *Store) Load(path string) (*Checkpoint, error) {
	return Read(path)
}

// applyRetention removes numbered artifacts that are neither latest nor
// best for any metric. Pointer files and ckpt_state are never touched.
func (s *Store) applyRetention() {
	if s.retention == KeepAll {
		return
	}
	referenced := map[string]bool{s.state.Latest: true}
	for _, rec := range s.state.Metrics {
		referenced[rec.Path] = true
	}
	kept := s.state.Saved[:0]
	for _, name := range s.state.Saved {
		if referenced[name] {
			kept = append(kept, name)
			continue
		}
		os.Remove(filepath.Join(s.dir, name))
	}
	s.state.Saved = kept
}

// writePointer points dir/name at an existing artifact, preferring a
// relative symlink and falling back to a file copy where symlinks are not
// available. The swap is atomic either way.
func (s *Store) writePointer(name, target string) error {
	ptr := filepath.Join(s.dir, name)
	tmp := ptr + ".tmp"
	os.Remove(tmp)

	if err := os.Symlink(target, tmp); err != nil {
		if err := copyFile(filepath.Join(s.dir, target), tmp); err != nil {
			return fmt.Errorf("failed to write pointer %s: %w", name, err)
		}
	}
	if err := os.Rename(tmp, ptr); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to update pointer %s: %w", name, err)
	}
	return nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, stateFile)
}

func (s *Store) writeState() error {
	s.state.SchemaVersion = schemaVersion
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename checkpoint state: %w", err)
	}
	return nil
}

func (s *Store) loadState() error {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil // first run, empty state
		}
		return fmt.Errorf("failed to read checkpoint state: %w", err)
	}
	var st storeState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("corrupt checkpoint state: %w", err)
	}
	if st.SchemaVersion != schemaVersion {
		return fmt.Errorf("incompatible checkpoint state version: got %d, want %d", st.SchemaVersion, schemaVersion)
	}
	if st.Metrics == nil {
		st.Metrics = make(map[string]*MetricRecord)
	}
	s.state = st
	// Resume best-tracking with the criteria recorded on disk.
	for metric, rec := range st.Metrics {
		s.tracked[metric] = rec.Criterion
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
