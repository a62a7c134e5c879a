package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-sync/internal/snapshot"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a pipeline at the top of every hour.
const DefaultSchedule = "0 * * * *"

var (
	ErrPipelineNotFound    = errors.New("pipeline not found")
	ErrPipelineExists      = errors.New("pipeline already exists")
	ErrInvalidPipeline     = errors.New("invalid pipeline")
	ErrWatermarkRegression = errors.New("watermark cannot move backwards")
	ErrRunInProgress       = errors.New("pipeline run already in progress")
)

// document is the on-disk layout of the store file.
type document struct {
	snapshot.Header `yaml:",inline"`
	Pipelines       []types.Pipeline `yaml:"pipelines"`
}

// Store keeps every pipeline record in one YAML file. Each mutation rewrites
// the whole file atomically, so a reader sees either the previous or the next
// version of a record, never a torn watermark/status pair.
type Store struct {
	snap *snapshot.Manager

	mu sync.Mutex // load → modify → write

	runMu   sync.Mutex
	running map[string]struct{}
}

func NewStore(path string) *Store {
	return &Store{
		snap:    snapshot.NewManager(path),
		running: make(map[string]struct{}),
	}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.snap.GetPath()
}

// Exists reports whether the pipelines file has been written yet.
func (s *Store) Exists() bool {
	return s.snap.Exists()
}

// Get returns a copy of the named pipeline.
func (s *Store) Get(name string) (*types.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	idx := find(doc.Pipelines, name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	p := doc.Pipelines[idx]
	return &p, nil
}

// List returns all pipelines ordered by name.
func (s *Store) List() ([]types.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]types.Pipeline, len(doc.Pipelines))
	copy(out, doc.Pipelines)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Add registers a new pipeline.
func (s *Store) Add(p types.Pipeline) error {
	if p.Schedule == "" {
		p.Schedule = DefaultSchedule
	}
	if err := Validate(&p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if find(doc.Pipelines, p.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrPipelineExists, p.Name)
	}
	doc.Pipelines = append(doc.Pipelines, p)
	return s.write(doc)
}

// Save replaces an existing record as a whole. It rejects a watermark older
// than the stored one.
func (s *Store) Save(p types.Pipeline) error {
	return s.Update(p.Name, func(cur *types.Pipeline) { *cur = p })
}

// Update applies fn to the current record and writes it back, all under the
// store lock. Callers change only the fields they own so concurrent edits to
// the others are kept. A watermark older than the stored one is rejected.
func (s *Store) Update(name string, fn func(p *types.Pipeline)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	idx := find(doc.Pipelines, name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}

	current := doc.Pipelines[idx]
	next := current
	fn(&next)
	if err := Validate(&next); err != nil {
		return err
	}
	if !current.Watermark.IsZero() && next.Watermark.Before(current.Watermark) {
		return fmt.Errorf("%w: %s has %s, got %s", ErrWatermarkRegression, name,
			current.Watermark.Format("2006-01-02T15:04:05Z07:00"), next.Watermark.Format("2006-01-02T15:04:05Z07:00"))
	}

	doc.Pipelines[idx] = next
	return s.write(doc)
}

// SetEnabled toggles whether the scheduler picks the pipeline up. It skips
// validation so a record with a broken schedule can still be disabled.
func (s *Store) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	idx := find(doc.Pipelines, name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	doc.Pipelines[idx].Enabled = enabled
	return s.write(doc)
}

// TryLock claims the pipeline for a single run. A second claim on the same
// name fails with ErrRunInProgress until release is called.
func (s *Store) TryLock(name string) (func(), error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if _, busy := s.running[name]; busy {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, name)
	}
	s.running[name] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.runMu.Lock()
			delete(s.running, name)
			s.runMu.Unlock()
		})
	}, nil
}

// Validate checks the fields a pipeline cannot run without.
func Validate(p *types.Pipeline) error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPipeline)
	case p.TemplateID == "":
		return fmt.Errorf("%w: %s: template id is required", ErrInvalidPipeline, p.Name)
	case p.TargetResourceID == "":
		return fmt.Errorf("%w: %s: target resource id is required", ErrInvalidPipeline, p.Name)
	}
	if p.Schedule != "" {
		if _, err := cron.ParseStandard(p.Schedule); err != nil {
			return fmt.Errorf("%w: %s: schedule %q: %v", ErrInvalidPipeline, p.Name, p.Schedule, err)
		}
	}
	if p.Pending != nil && p.Pending.JobID == "" {
		return fmt.Errorf("%w: %s: pending run without job id", ErrInvalidPipeline, p.Name)
	}
	return nil
}

func (s *Store) load() (document, error) {
	var doc document
	if _, err := s.snap.Load(&doc); err != nil {
		return document{}, fmt.Errorf("load pipelines: %w", err)
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	doc.SchemaVersion = snapshot.SchemaVersion
	if err := s.snap.Write(doc); err != nil {
		return fmt.Errorf("save pipelines: %w", err)
	}
	return nil
}

func find(ps []types.Pipeline, name string) int {
	for i := range ps {
		if ps[i].Name == name {
			return i
		}
	}
	return -1
}
