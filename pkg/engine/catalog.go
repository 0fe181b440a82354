package engine

import (
	"context"
	"sync"
	"time"

	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/store"
)

// ModelBinding resolves a public model id to the engine that serves it.
type ModelBinding struct {
	Runtime              string // engine id the task is bound to
	RuntimeModelID       string // model name the engine loads
	NativeWordTimestamps bool
}

// defaultBindings are the model aliases the platform ships with. Live
// registrations overlay these: an engine declaring a model id wins over
// the static table.
var defaultBindings = map[string]ModelBinding{
	"default":       {Runtime: "faster-whisper", RuntimeModelID: "base"},
	"fast":          {Runtime: "faster-whisper", RuntimeModelID: "base"},
	"accurate":      {Runtime: "faster-whisper", RuntimeModelID: "large-v3"},
	"parakeet-0.6b": {Runtime: "parakeet", RuntimeModelID: "parakeet-0.6b", NativeWordTimestamps: true},
}

// defaultStageEngines names the engine id each non-transcribe stage binds to
// when no live registration declares the stage. The transcribe engine always
// comes from the model binding.
var defaultStageEngines = map[models.Stage]string{
	models.StagePrepare: "audio-prep",
	models.StageAlign:   "whisperx-align",
	models.StageDiarize: "pyannote-diarize",
	models.StageCleanup: "llm-cleanup",
	models.StageMerge:   "merge",
}

// catalogTTL bounds how stale the cached registration view may get. A lagging
// cache only delays dispatch decisions; the scheduler re-checks availability
// at dispatch time.
const catalogTTL = 10 * time.Second

// Catalog is a read-through cache over the engine registry. It answers the
// two questions the pipeline builder asks: which engine serves a model, and
// which engine serves a stage.
type Catalog struct {
	registry *Registry

	mu        sync.RWMutex
	bindings  map[string]ModelBinding
	byStage   map[models.Stage]string
	refreshed time.Time
}

// NewCatalog creates a catalog backed by the registry.
func NewCatalog(registry *Registry) *Catalog {
	return &Catalog{registry: registry}
}

// ResolveModel maps a public model id to its engine binding. Unknown model
// ids are a caller error, reported as a ValidationError.
func (c *Catalog) ResolveModel(ctx context.Context, model string) (ModelBinding, error) {
	if model == "" {
		model = "default"
	}
	if err := c.refresh(ctx); err != nil {
		return ModelBinding{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if binding, ok := c.bindings[model]; ok {
		return binding, nil
	}
	if binding, ok := defaultBindings[model]; ok {
		return binding, nil
	}
	return ModelBinding{}, store.NewValidationError("model", "unknown model id: "+model)
}

// EngineForStage returns the engine id a stage binds to: a live registration
// declaring the stage if one exists, otherwise the platform default. The
// empty string means no engine can ever serve the stage.
func (c *Catalog) EngineForStage(ctx context.Context, stage models.Stage) (string, error) {
	if err := c.refresh(ctx); err != nil {
		return "", err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.byStage[stage]; ok {
		return id, nil
	}
	return defaultStageEngines[stage], nil
}

// refresh rebuilds the cache from the registry when the TTL has lapsed.
func (c *Catalog) refresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := time.Since(c.refreshed) < catalogTTL
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	engines, err := c.registry.All(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = buildBindings(engines)
	c.byStage = buildStageIndex(engines, time.Now())
	c.refreshed = time.Now()
	return nil
}

// buildBindings indexes declared models across live registrations. An engine
// declaring a model id serves it under that same runtime model name.
func buildBindings(engines []*models.EngineRegistration) map[string]ModelBinding {
	bindings := make(map[string]ModelBinding)
	for _, reg := range engines {
		if reg.Stage != models.StageTranscribe {
			continue
		}
		for _, model := range reg.Models {
			if _, taken := bindings[model]; taken {
				continue
			}
			bindings[model] = ModelBinding{
				Runtime:              reg.EngineID,
				RuntimeModelID:       model,
				NativeWordTimestamps: reg.NativeWordTimestamps,
			}
		}
	}
	return bindings
}

// buildStageIndex maps each stage to the first available engine declaring it.
func buildStageIndex(engines []*models.EngineRegistration, now time.Time) map[models.Stage]string {
	byStage := make(map[models.Stage]string)
	for _, reg := range engines {
		if !reg.Available(now) {
			continue
		}
		if _, taken := byStage[reg.Stage]; !taken {
			byStage[reg.Stage] = reg.EngineID
		}
	}
	return byStage
}
