package anonymizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ghostlayer/internal/logger"
	"ghostlayer/internal/metrics"
)

// Options configures a Pipeline. Any detector may be nil, which skips its
// stage.
type Options struct {
	Memory  Detector
	Pattern Detector
	NER     Detector

	// Models is warmed by Pipeline.Warmup. Optional.
	Models *ModelCache

	ChunkThreshold int // bytes; <= 0 selects DefaultChunkThreshold
	ChunkSize      int // bytes; clamped by ClampChunkSize
	NERConcurrency int // chunks detected in parallel; <= 0 means 1

	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// Pipeline sequences the detectors in fixed priority order
// (Memory > Regex > NLP), decides whether to chunk and masks the result.
// It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	memory  Detector
	pattern Detector
	ner     Detector
	models  *ModelCache

	threshold   int
	chunkSize   int
	concurrency int

	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewPipeline builds a pipeline from opts.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		memory:      opts.Memory,
		pattern:     opts.Pattern,
		ner:         opts.NER,
		models:      opts.Models,
		threshold:   opts.ChunkThreshold,
		chunkSize:   ClampChunkSize(opts.ChunkSize),
		concurrency: max(opts.NERConcurrency, 1),
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
	if p.threshold <= 0 {
		p.threshold = DefaultChunkThreshold
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	return p
}

// Warmup starts loading the named-entity models in the background and
// returns a channel closed once they are ready. Without models the channel
// is already closed.
func (p *Pipeline) Warmup() <-chan struct{} {
	if p.models == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return p.models.Warmup()
}

// ModelState reports the named-entity model lifecycle without blocking.
func (p *Pipeline) ModelState() ModelState {
	if p.models == nil {
		return ModelReady
	}
	return p.models.State()
}

// Categories lists the categories the regex stage can produce.
func (p *Pipeline) Categories() []string {
	if c, ok := p.pattern.(interface{ Categories() []string }); ok {
		return c.Categories()
	}
	return nil
}

// Anonymize detects sensitive spans in text and masks them.
//
// A failing detector contributes nothing and the run continues. If ctx is
// cancelled the run stops at the next stage boundary and returns ctx.Err()
// with no result. progress may be nil; a non-empty run always ends with a
// (total, total, Done) call, or (total, total, Idle) when cancelled.
func (p *Pipeline) Anonymize(ctx context.Context, text string, progress ProgressFunc) (Result, error) {
	p.metrics.RunsTotal.Add(1)
	if strings.TrimSpace(text) == "" {
		p.metrics.RunsEmpty.Add(1)
		p.log.Warn("run_empty", "empty input, nothing to anonymize")
		return Result{Text: "", Entities: []Entity{}, Stats: map[string]int{}}, nil
	}

	start := time.Now()
	n := len(text)
	chunked := ShouldChunk(n, p.threshold)
	report := func(processed int, stage string) {
		if progress != nil {
			progress(processed, n, stage)
		}
	}
	// The last call always has processed == total: Done after masking, Idle
	// when the run is abandoned.
	final := StageDone
	defer func() { report(n, string(final)) }()

	var (
		matches []Match
		claimed []Span
	)
	claim := func(found []Match) {
		matches = append(matches, found...)
		for _, m := range found {
			claimed = append(claimed, m.Span)
		}
	}

	report(0, string(StageMemory))
	claim(p.detect(ctx, p.memory, text, claimed))
	if err := p.cancelled(ctx); err != nil {
		final = StageIdle
		return Result{}, err
	}

	if chunked {
		report(n/10, string(StagePattern))
	} else {
		report(n/3, string(StagePattern))
	}
	claim(p.detect(ctx, p.pattern, text, claimed))
	if err := p.cancelled(ctx); err != nil {
		final = StageIdle
		return Result{}, err
	}

	if chunked {
		p.metrics.RunsChunked.Add(1)
		claim(p.detectChunked(ctx, text, claimed, report))
	} else {
		report(2*n/3, string(StageNamedEntity))
		claim(p.detect(ctx, p.ner, text, claimed))
	}
	if err := p.cancelled(ctx); err != nil {
		final = StageIdle
		return Result{}, err
	}

	report(n, string(StageMasking))
	masked, entities := ApplyMasks(text, matches)
	stats := Stats(entities)

	p.metrics.RecordEntities(stats)
	p.metrics.RecordAnonLatency(time.Since(start))
	p.log.Infof("run_done", "%d bytes, chunked=%t, %d entities in %d categories, %s",
		n, chunked, len(entities), len(stats), time.Since(start).Round(time.Millisecond))

	return Result{Text: masked, Entities: entities, Stats: stats}, nil
}

func (p *Pipeline) cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		p.metrics.RunsCancelled.Add(1)
		p.log.Infof("run_cancelled", "%v", err)
		return err
	}
	return nil
}

// detect runs one stage. A detector error degrades to zero matches. Matches
// that break the detector contract are dropped so masking can never splice
// overlapping ranges.
func (p *Pipeline) detect(ctx context.Context, d Detector, text string, claimed []Span) []Match {
	if d == nil {
		return nil
	}
	found, err := d.Detect(ctx, text, claimed)
	if err != nil {
		if ctx.Err() == nil {
			p.stageFailed(d.Name(), err)
		}
		return nil
	}
	return p.admit(d.Name(), text, found, claimed)
}

func (p *Pipeline) stageFailed(stage Stage, err error) {
	p.metrics.RecordStageFailure(string(stage))
	p.log.Warnf("stage_failed", "%s stage skipped: %v", stage, err)
}

func (p *Pipeline) admit(stage Stage, text string, found []Match, claimed []Span) []Match {
	taken := append([]Span(nil), claimed...)
	out := make([]Match, 0, len(found))
	for _, m := range found {
		if !m.valid(text) || overlapsAny(m.Span, taken) {
			p.log.Errorf("contract", "%s stage returned an invalid or overlapping span [%d,%d)", stage, m.Start, m.End)
			continue
		}
		taken = append(taken, m.Span)
		out = append(out, m)
	}
	p.log.Debugf("stage_done", "%s: %d matches", stage, len(out))
	return out
}

// detectChunked runs the named-entity stage per chunk. Each chunk sees the
// claimed spans clipped to its range in local offsets; results come back in
// document offsets and are merged in chunk order.
func (p *Pipeline) detectChunked(ctx context.Context, text string, claimed []Span, report func(int, string)) []Match {
	if p.ner == nil {
		return nil
	}
	chunks := Segment(text, p.chunkSize)
	n, total := len(text), len(chunks)
	p.log.Infof("chunking", "%d bytes split into %d chunks", n, total)

	results := make([][]Match, total)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	sem := make(chan struct{}, p.concurrency)
	for i, c := range chunks {
		wg.Add(1)
		go func(i int, c Chunk) {
			defer wg.Done()
			sem <- struct{}{}        // acquire
			defer func() { <-sem }() // release
			if ctx.Err() != nil {
				return
			}
			results[i] = p.detectChunk(ctx, c, claimed)

			mu.Lock()
			done++
			report(n/10+int(float64(done)/float64(total)*float64(n)*0.9),
				fmt.Sprintf("%s (%d/%d)", StageNamedEntity, done, total))
			mu.Unlock()
		}(i, c)
	}
	wg.Wait()

	var merged []Match
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged
}

func (p *Pipeline) detectChunk(ctx context.Context, c Chunk, claimed []Span) []Match {
	var local []Span
	for _, s := range claimed {
		if ls, ok := c.Local(s); ok {
			local = append(local, ls)
		}
	}
	found, err := p.ner.Detect(ctx, c.Text, local)
	if err != nil {
		if ctx.Err() == nil {
			p.stageFailed(p.ner.Name(), fmt.Errorf("chunk %d: %w", c.Index, err))
		}
		return nil
	}
	found = p.admit(p.ner.Name(), c.Text, found, local)
	out := make([]Match, len(found))
	for i, m := range found {
		m.Span = c.Global(m.Span)
		out[i] = m
	}
	return out
}
