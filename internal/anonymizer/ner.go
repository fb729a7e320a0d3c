package anonymizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"ghostlayer/internal/logger"
	"ghostlayer/internal/metrics"
)

// Script names the writing system a named-entity model is tuned for.
type Script string

// Supported scripts, in the order their models run.
const (
	ScriptCyrillic Script = "cyrillic"
	ScriptLatin    Script = "latin"
)

// NamedSpan is one raw model prediction: byte offsets into the text the
// model was given, the model's native label and the covered text.
type NamedSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// NERModel is a loaded named-entity model. Run must be safe for concurrent use.
type NERModel interface {
	Run(ctx context.Context, text string) ([]NamedSpan, error)
}

// ModelLoader constructs a model. It may be slow; it is called at most once
// per ModelCache.
type ModelLoader func(ctx context.Context) (NERModel, error)

// ErrNoModels is returned by EntityDetector when no model could be loaded.
var ErrNoModels = errors.New("no named-entity model available")

// labelMaps translate each model's native labels into the shared category
// vocabulary. Labels missing from the map are dropped.
var labelMaps = map[Script]map[string]string{
	ScriptCyrillic: {
		"PER": CategoryPerson,
		"ORG": CategoryOrganization,
		"LOC": CategoryLocation,
	},
	ScriptLatin: {
		"PERSON": CategoryPerson,
		"ORG":    CategoryOrganization,
		"GPE":    CategoryLocation,
		"LOC":    CategoryLocation,
	},
}

var scriptTables = map[Script]*unicode.RangeTable{
	ScriptCyrillic: unicode.Cyrillic,
	ScriptLatin:    unicode.Latin,
}

// ModelState is the lifecycle of a ModelCache.
type ModelState int32

const (
	ModelUninitialized ModelState = iota
	ModelInitializing
	ModelReady
)

func (s ModelState) String() string {
	switch s {
	case ModelInitializing:
		return "initializing"
	case ModelReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// ModelCache owns the process's named-entity models. Loading happens once,
// in the background, on the first Warmup or Model call; every later caller
// waits for that single initialization and then reads the models without
// locking.
type ModelCache struct {
	loaders map[Script]ModelLoader
	log     *logger.Logger

	once  sync.Once
	state atomic.Int32
	done  chan struct{}

	// Written by load before done is closed, read-only afterwards.
	models map[Script]NERModel
}

// NewModelCache returns a cache that builds the Cyrillic and Latin models
// with the given loaders. A nil loader leaves that script without a model.
func NewModelCache(cyrillic, latin ModelLoader, log *logger.Logger) *ModelCache {
	loaders := make(map[Script]ModelLoader, 2)
	if cyrillic != nil {
		loaders[ScriptCyrillic] = cyrillic
	}
	if latin != nil {
		loaders[ScriptLatin] = latin
	}
	return &ModelCache{loaders: loaders, log: log, done: make(chan struct{})}
}

// Warmup starts the one-time background initialization if it has not
// started yet and returns a channel closed when it completes.
func (c *ModelCache) Warmup() <-chan struct{} {
	c.once.Do(func() {
		c.state.Store(int32(ModelInitializing))
		go c.load()
	})
	return c.done
}

// Wait blocks until initialization completes or ctx is done. It does not
// start initialization.
func (c *ModelCache) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current lifecycle state without blocking.
func (c *ModelCache) State() ModelState { return ModelState(c.state.Load()) }

// Ready reports whether initialization has completed.
func (c *ModelCache) Ready() bool { return c.State() == ModelReady }

// Model triggers initialization, waits for it and returns the model for
// script, or nil if that script has none.
func (c *ModelCache) Model(ctx context.Context, script Script) (NERModel, error) {
	c.Warmup()
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	return c.models[script], nil
}

func (c *ModelCache) load() {
	start := time.Now()
	models := make(map[Script]NERModel, len(c.loaders))
	for _, script := range []Script{ScriptCyrillic, ScriptLatin} {
		load, ok := c.loaders[script]
		if !ok {
			continue
		}
		m, err := load(context.Background())
		if err != nil {
			c.log.Errorf("model_load", "%s model unavailable: %v", script, err)
			continue
		}
		if m == nil {
			continue
		}
		models[script] = m
		c.log.Infof("model_load", "%s model ready", script)
	}
	c.models = models
	c.state.Store(int32(ModelReady))
	close(c.done)
	c.log.Infof("model_warmup", "%d of %d models loaded in %s",
		len(models), len(c.loaders), time.Since(start).Round(time.Millisecond))
}

// EntityDetector wraps the script-specific models behind the Detector
// contract. The Cyrillic model runs first and its spans are excluded from
// the Latin model's results.
type EntityDetector struct {
	models  *ModelCache
	cache   *s3fifo[resultKey, []NamedSpan]
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewEntityDetector returns a detector backed by models. cacheSize bounds
// the number of cached model results; zero disables caching.
func NewEntityDetector(models *ModelCache, cacheSize int, m *metrics.Metrics, log *logger.Logger) *EntityDetector {
	if m == nil {
		m = metrics.New()
	}
	d := &EntityDetector{models: models, metrics: m, log: log}
	if cacheSize > 0 {
		d.cache = newS3FIFO[resultKey, []NamedSpan](cacheSize)
	}
	return d
}

// Name implements Detector.
func (d *EntityDetector) Name() Stage { return StageNamedEntity }

// Detect runs each available model in script order. A failing model is
// logged and skipped; Detect fails only when no model produced a result.
func (d *EntityDetector) Detect(ctx context.Context, text string, excluded []Span) ([]Match, error) {
	claimed := append([]Span(nil), excluded...)
	var (
		out  []Match
		errs []error
		ran  int
	)
	for _, script := range []Script{ScriptCyrillic, ScriptLatin} {
		model, err := d.models.Model(ctx, script)
		if err != nil {
			return nil, err
		}
		if model == nil {
			continue
		}
		spans, err := d.run(ctx, script, model, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.log.Warnf("ner_run", "%s model failed on %d bytes: %v", script, len(text), err)
			errs = append(errs, fmt.Errorf("%s model: %w", script, err))
			continue
		}
		ran++
		accepted := longestFirst(d.convert(script, text, spans, claimed))
		for _, m := range accepted {
			claimed = append(claimed, m.Span)
		}
		out = append(out, accepted...)
	}
	if ran == 0 {
		if len(errs) == 0 {
			return nil, ErrNoModels
		}
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// run calls model, consulting the result cache first.
func (d *EntityDetector) run(ctx context.Context, script Script, model NERModel, text string) ([]NamedSpan, error) {
	var key resultKey
	if d.cache != nil {
		key = newResultKey(script, text)
		if spans, ok := d.cache.Get(key); ok {
			d.metrics.NERCacheHits.Add(1)
			return spans, nil
		}
		d.metrics.NERCacheMisses.Add(1)
	}
	start := time.Now()
	spans, err := model.Run(ctx, text)
	d.metrics.RecordNERLatency(time.Since(start))
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(key, spans)
	}
	return spans, nil
}

// convert maps labels, validates offsets and applies the script filter.
func (d *EntityDetector) convert(script Script, text string, spans []NamedSpan, claimed []Span) []Match {
	labels := labelMaps[script]
	table := scriptTables[script]
	var out []Match
	dropped := 0
	for _, s := range spans {
		category, ok := labels[s.Label]
		if !ok {
			continue
		}
		sp := Span{Start: s.Start, End: s.End}
		if !sp.valid(text) {
			dropped++
			continue
		}
		found := text[sp.Start:sp.End]
		if !containsScript(found, table) {
			continue
		}
		if overlapsAny(sp, claimed) {
			continue
		}
		out = append(out, Match{Span: sp, Category: category, Text: found, Source: StageNamedEntity})
	}
	if dropped > 0 {
		d.log.Debugf("ner_offsets", "%s model: %d spans with invalid offsets dropped", script, dropped)
	}
	return out
}

// containsScript reports whether s has at least one letter of table.
func containsScript(s string, table *unicode.RangeTable) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && unicode.Is(table, r) {
			return true
		}
	}
	return false
}
