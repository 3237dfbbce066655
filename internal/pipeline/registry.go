package pipeline

import (
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/internal/store"
	"github.com/sells-group/ghpipe/pkg/github"
)

// StageSpec names a stage kind and overrides its configuration. Nil fields
// keep the kind's defaults.
type StageSpec struct {
	Kind           string `yaml:"kind" json:"kind"`
	BatchSize      *int   `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	RetryCount     *int   `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	AbortOnError   *bool  `yaml:"abort_on_error,omitempty" json:"abort_on_error,omitempty"`
	MaxConcurrency *int   `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// Definition is a named, ordered list of stages.
type Definition struct {
	Name   string      `yaml:"name" json:"name"`
	Stages []StageSpec `yaml:"stages" json:"stages"`
}

// StageKind describes how to construct one kind of stage.
type StageKind struct {
	Build        func() Stage
	AbortOnError bool
	// MaxConcurrency caps the configured default; zero keeps it.
	MaxConcurrency int
}

// Registry maps pipeline names to stage lists. It is the only place pipeline
// types are defined; building a pipeline from it has no side effects.
type Registry struct {
	mu       sync.RWMutex
	store    store.Store
	defaults StageConfig
	kinds    map[string]StageKind
	defs     map[string]Definition
}

// NewRegistry returns an empty registry whose stages default to defaults.
func NewRegistry(st store.Store, defaults StageConfig) *Registry {
	return &Registry{
		store:    st,
		defaults: defaults.normalized(),
		kinds:    map[string]StageKind{},
		defs:     map[string]Definition{},
	}
}

// RegisterStage adds or replaces a stage kind.
func (r *Registry) RegisterStage(kind string, k StageKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = k
}

// Register adds or replaces a pipeline definition. Every stage kind must be
// registered first.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return eris.New("pipeline: definition has no name")
	}
	if len(def.Stages) == 0 {
		return eris.Errorf("pipeline: %s has no stages", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range def.Stages {
		if _, ok := r.kinds[s.Kind]; !ok {
			return eris.Errorf("pipeline: %s uses unknown stage kind %q", def.Name, s.Kind)
		}
	}
	r.defs[def.Name] = def
	return nil
}

// Build constructs a runnable pipeline. An unknown name is a FatalError.
func (r *Registry) Build(name string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, resilience.Fatalf("pipeline: unknown pipeline %q", name)
	}
	entries := make([]StageEntry, 0, len(def.Stages))
	for _, s := range def.Stages {
		k := r.kinds[s.Kind]
		entries = append(entries, StageEntry{Stage: k.Build(), Config: r.stageConfig(k, s)})
	}
	return New(name, r.store, entries...), nil
}

func (r *Registry) stageConfig(k StageKind, s StageSpec) StageConfig {
	cfg := r.defaults
	cfg.AbortOnError = k.AbortOnError
	if k.MaxConcurrency > 0 && cfg.MaxConcurrency > k.MaxConcurrency {
		cfg.MaxConcurrency = k.MaxConcurrency
	}
	if s.BatchSize != nil {
		cfg.BatchSize = *s.BatchSize
	}
	if s.RetryCount != nil {
		cfg.RetryCount = *s.RetryCount
	}
	if s.AbortOnError != nil {
		cfg.AbortOnError = *s.AbortOnError
	}
	if s.MaxConcurrency != nil {
		cfg.MaxConcurrency = *s.MaxConcurrency
	}
	return cfg.normalized()
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Names returns the registered pipeline names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definition returns the definition registered under name.
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// LoadDefinitions reads pipeline definitions from a YAML file of the form
//
//	pipelines:
//	  - name: github-sync
//	    stages:
//	      - kind: extract
//	      - kind: enrich
//	        max_concurrency: 5
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read definitions %s", path)
	}
	var doc struct {
		Pipelines []Definition `yaml:"pipelines"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse definitions %s", path)
	}
	return doc.Pipelines, nil
}

// Stage kinds and pipelines registered by RegisterDefaults.
const (
	KindExtract     = "extract"
	KindEnrich      = "enrich"
	KindWrite       = "write"
	KindLoadPending = "load-pending"

	GitHubSync     = "github-sync"
	GitHubSyncFast = "github-sync-fast"
	EnrichBackfill = "enrich-backfill"
)

// Deps are the collaborators of the default stage kinds.
type Deps struct {
	Store        store.Store
	GitHub       github.Client
	Breaker      *resilience.CircuitBreaker
	StagingLimit int
	PendingLimit int
}

// RegisterDefaults registers the extract, enrich, write and load-pending
// kinds and the pipelines built from them.
func RegisterDefaults(r *Registry, d Deps) error {
	r.RegisterStage(KindExtract, StageKind{
		Build:        func() Stage { return NewExtractor(d.Store, d.StagingLimit) },
		AbortOnError: true,
	})
	r.RegisterStage(KindEnrich, StageKind{
		Build: func() Stage { return NewEnricher(d.GitHub, d.Breaker) },
	})
	r.RegisterStage(KindWrite, StageKind{
		Build:          func() Stage { return NewWriter(d.Store) },
		AbortOnError:   true,
		MaxConcurrency: 1,
	})
	r.RegisterStage(KindLoadPending, StageKind{
		Build:        func() Stage { return NewPendingLoader(d.Store, d.PendingLimit) },
		AbortOnError: true,
	})

	for _, def := range []Definition{
		{Name: GitHubSync, Stages: []StageSpec{{Kind: KindExtract}, {Kind: KindEnrich}, {Kind: KindWrite}}},
		{Name: GitHubSyncFast, Stages: []StageSpec{{Kind: KindExtract}, {Kind: KindWrite}}},
		{Name: EnrichBackfill, Stages: []StageSpec{{Kind: KindLoadPending}, {Kind: KindEnrich}, {Kind: KindWrite}}},
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
