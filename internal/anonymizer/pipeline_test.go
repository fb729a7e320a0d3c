package anonymizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"ghostlayer/internal/metrics"
)

// fakeDetector lets a test script one stage.
type fakeDetector struct {
	name Stage
	fn   func(ctx context.Context, text string, excluded []Span) ([]Match, error)
}

func (f fakeDetector) Name() Stage { return f.name }

func (f fakeDetector) Detect(ctx context.Context, text string, excluded []Span) ([]Match, error) {
	return f.fn(ctx, text, excluded)
}

// progressLog records progress callbacks.
type progressLog struct {
	mu    sync.Mutex
	calls []progressCall
}

type progressCall struct {
	processed, total int
	stage            string
}

func (p *progressLog) record(processed, total int, stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, progressCall{processed, total, stage})
}

func TestPipeline_ScenarioA(t *testing.T) {
	p := NewPipeline(Options{Pattern: NewPatternDetector(newTestLogger(nil)), Logger: newTestLogger(nil)})
	res, err := p.Anonymize(context.Background(), "Contact support@example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0].Category != "EMAIL" || res.Entities[0].Text != "support@example.com" {
		t.Fatalf("unexpected entities %+v", res.Entities)
	}
	if !strings.Contains(res.Text, "[EMAIL_1]") || strings.Contains(res.Text, "support@example.com") {
		t.Errorf("masked text = %q", res.Text)
	}
	if res.Stats["EMAIL"] != 1 {
		t.Errorf("stats = %v", res.Stats)
	}
}

func TestPipeline_ScenarioB(t *testing.T) {
	p := NewPipeline(Options{Pattern: NewPatternDetector(newTestLogger(nil)), Logger: newTestLogger(nil)})
	res, err := p.Anonymize(context.Background(), "Пишите на ivanov@romashka.ru или звоните +7 (999) 123-45-67.", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats["EMAIL"] < 1 || res.Stats["PHONE"] < 1 {
		t.Errorf("stats = %v", res.Stats)
	}
	for _, raw := range []string{"ivanov@romashka.ru", "+7 (999) 123-45-67"} {
		if strings.Contains(res.Text, raw) {
			t.Errorf("%q still present in %q", raw, res.Text)
		}
	}
}

func TestPipeline_ScenarioC(t *testing.T) {
	m := metrics.New()
	p := NewPipeline(Options{Pattern: NewPatternDetector(newTestLogger(nil)), Metrics: m, Logger: newTestLogger(nil)})
	for _, in := range []string{"", "  \n\t "} {
		var progress progressLog
		res, err := p.Anonymize(context.Background(), in, progress.record)
		if err != nil {
			t.Fatal(err)
		}
		if res.Text != "" || res.Entities == nil || len(res.Entities) != 0 || res.Stats == nil || len(res.Stats) != 0 {
			t.Errorf("Anonymize(%q) = %#v", in, res)
		}
		if len(progress.calls) != 0 {
			t.Errorf("empty input reported progress: %+v", progress.calls)
		}
	}
	if got := m.Snapshot().Runs.Empty; got != 2 {
		t.Errorf("empty runs = %d, want 2", got)
	}
}

func TestPipeline_Priority(t *testing.T) {
	text := "Acme Corp hired John Smith at acme.corp@mail.com"
	memory := NewMemoryDetector(staticRules{rules: []Rule{{Pattern: "Acme Corp", Category: "CLIENT"}}}, nil, newTestLogger(nil))
	ner := fakeDetector{name: StageNamedEntity, fn: func(_ context.Context, text string, excluded []Span) ([]Match, error) {
		var out []Match
		for _, c := range []struct{ sub, cat string }{{"Acme", CategoryOrganization}, {"John Smith", CategoryPerson}} {
			i := strings.Index(text, c.sub)
			sp := Span{Start: i, End: i + len(c.sub)}
			if overlapsAny(sp, excluded) {
				continue
			}
			out = append(out, Match{Span: sp, Category: c.cat, Text: c.sub, Source: StageNamedEntity})
		}
		return out, nil
	}}
	p := NewPipeline(Options{
		Memory:  memory,
		Pattern: NewPatternDetector(newTestLogger(nil)),
		NER:     ner,
		Logger:  newTestLogger(nil),
	})

	res, err := p.Anonymize(context.Background(), text, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]Stage{"Acme Corp": StageMemory, "John Smith": StageNamedEntity, "acme.corp@mail.com": StagePattern}
	if len(res.Entities) != len(want) {
		t.Fatalf("entities = %+v", res.Entities)
	}
	for _, e := range res.Entities {
		if want[e.Text] != e.Source {
			t.Errorf("%q from %s, want %s", e.Text, e.Source, want[e.Text])
		}
	}
	if res.Text != "[CLIENT_1] hired [PERSON_1] at [EMAIL_1]" {
		t.Errorf("masked = %q", res.Text)
	}
}

func TestPipeline_FailingStageIsSkipped(t *testing.T) {
	m := metrics.New()
	var buf bytes.Buffer
	failing := fakeDetector{name: StagePattern, fn: func(context.Context, string, []Span) ([]Match, error) {
		return nil, errors.New("pattern table corrupt")
	}}
	p := NewPipeline(Options{
		Memory:  NewMemoryDetector(staticRules{rules: []Rule{{Pattern: "Acme"}}}, nil, newTestLogger(nil)),
		Pattern: failing,
		Metrics: m,
		Logger:  newTestLogger(&buf),
	})
	res, err := p.Anonymize(context.Background(), "Acme a@b.com", nil)
	if err != nil {
		t.Fatalf("a failing stage must not fail the run: %v", err)
	}
	if res.Text != "[LEARNED_RULE_1] a@b.com" {
		t.Errorf("masked = %q", res.Text)
	}
	if got := m.Snapshot().StageFailures["Regex"]; got != 1 {
		t.Errorf("Regex failures = %d, want 1", got)
	}
	if !strings.Contains(buf.String(), "pattern table corrupt") {
		t.Errorf("failure not logged:\n%s", buf.String())
	}
}

func TestPipeline_DropsContractViolations(t *testing.T) {
	var buf bytes.Buffer
	bad := fakeDetector{name: StagePattern, fn: func(context.Context, string, []Span) ([]Match, error) {
		return []Match{
			{Span: Span{0, 5}, Category: "A", Text: "abcde"},
			{Span: Span{3, 8}, Category: "A", Text: "defgh"},
			{Span: Span{100, 200}, Category: "A"},
		}, nil
	}}
	p := NewPipeline(Options{Pattern: bad, Logger: newTestLogger(&buf)})
	res, err := p.Anonymize(context.Background(), "abcdefghij", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "[A_1]fghij" || len(res.Entities) != 1 {
		t.Errorf("result = %+v", res)
	}
	if strings.Count(buf.String(), "contract") != 2 {
		t.Errorf("expected two contract errors, log:\n%s", buf.String())
	}
}

func TestPipeline_ProgressSinglePass(t *testing.T) {
	text := "Contact support@example.com"
	n := len(text)
	var progress progressLog
	p := NewPipeline(Options{Pattern: NewPatternDetector(newTestLogger(nil)), Logger: newTestLogger(nil)})
	if _, err := p.Anonymize(context.Background(), text, progress.record); err != nil {
		t.Fatal(err)
	}
	want := []progressCall{
		{0, n, "Memory"},
		{n / 3, n, "Regex"},
		{2 * n / 3, n, "NLP"},
		{n, n, "Masking"},
		{n, n, "Done"},
	}
	if fmt.Sprint(progress.calls) != fmt.Sprint(want) {
		t.Errorf("progress = %+v, want %+v", progress.calls, want)
	}
}

func TestPipeline_Cancelled(t *testing.T) {
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	var nerRan bool
	memory := fakeDetector{name: StageMemory, fn: func(context.Context, string, []Span) ([]Match, error) {
		cancel()
		return nil, nil
	}}
	ner := fakeDetector{name: StageNamedEntity, fn: func(context.Context, string, []Span) ([]Match, error) {
		nerRan = true
		return nil, nil
	}}
	p := NewPipeline(Options{Memory: memory, NER: ner, Metrics: m, Logger: newTestLogger(nil)})

	var progress progressLog
	res, err := p.Anonymize(ctx, "Acme Corp", progress.record)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if res.Text != "" || res.Entities != nil {
		t.Errorf("cancelled run returned a result: %+v", res)
	}
	if nerRan {
		t.Error("later stages ran after cancellation")
	}
	if got := m.Snapshot().Runs.Cancelled; got != 1 {
		t.Errorf("cancelled runs = %d", got)
	}
	n := len("Acme Corp")
	want := []progressCall{{0, n, "Memory"}, {n, n, "Idle"}}
	if fmt.Sprint(progress.calls) != fmt.Sprint(want) {
		t.Errorf("progress = %+v, want %+v", progress.calls, want)
	}
}

// longDocument repeats short sentences so every chunk cut lands after ". ".
func longDocument(sentences int) string {
	return strings.Repeat("John Smith met Anna Lee in Berlin. ", sentences)
}

func newChunkPipeline(t *testing.T, threshold, concurrency int, m *metrics.Metrics) *Pipeline {
	t.Helper()
	model := &phraseModel{phrases: map[string]string{"John Smith": "PERSON", "Anna Lee": "PERSON", "Berlin": "GPE"}}
	log := newTestLogger(nil)
	models := NewModelCache(nil, loaderFor(model), log)
	return NewPipeline(Options{
		NER:            NewEntityDetector(models, 0, m, log),
		Models:         models,
		ChunkThreshold: threshold,
		ChunkSize:      MinChunkSize,
		NERConcurrency: concurrency,
		Metrics:        m,
		Logger:         log,
	})
}

func TestPipeline_ChunkedMatchesSinglePass(t *testing.T) {
	text := longDocument(300)
	m := metrics.New()

	single, err := newChunkPipeline(t, len(text)+1, 1, metrics.New()).Anonymize(context.Background(), text, nil)
	if err != nil {
		t.Fatal(err)
	}
	chunked, err := newChunkPipeline(t, 2048, 4, m).Anonymize(context.Background(), text, nil)
	if err != nil {
		t.Fatal(err)
	}

	if m.Snapshot().Runs.Chunked != 1 {
		t.Fatal("long document did not take the chunked path")
	}
	if single.Text != chunked.Text {
		t.Error("chunked masking differs from single pass")
	}
	if len(single.Entities) != 900 || len(chunked.Entities) != len(single.Entities) {
		t.Fatalf("entities: single=%d chunked=%d", len(single.Entities), len(chunked.Entities))
	}
	for i := range single.Entities {
		if single.Entities[i] != chunked.Entities[i] {
			t.Fatalf("entity %d differs: %+v vs %+v", i, single.Entities[i], chunked.Entities[i])
		}
	}
	if strings.Contains(chunked.Text, "John Smith") {
		t.Error("a name survived chunked masking")
	}
}

func TestPipeline_ChunkedProgress(t *testing.T) {
	text := longDocument(300)
	n := len(text)
	total := len(Segment(text, MinChunkSize))
	var progress progressLog
	p := newChunkPipeline(t, 2048, 4, metrics.New())
	if _, err := p.Anonymize(context.Background(), text, progress.record); err != nil {
		t.Fatal(err)
	}

	calls := progress.calls
	if len(calls) != total+4 {
		t.Fatalf("got %d progress calls, want %d", len(calls), total+4)
	}
	if calls[0] != (progressCall{0, n, "Memory"}) || calls[1] != (progressCall{n / 10, n, "Regex"}) {
		t.Errorf("prefix = %+v", calls[:2])
	}
	prev := n / 10
	for i := 1; i <= total; i++ {
		c := calls[1+i]
		if c.stage != fmt.Sprintf("NLP (%d/%d)", i, total) {
			t.Errorf("call %d stage = %q", 1+i, c.stage)
		}
		if c.processed < prev || c.processed > n {
			t.Errorf("call %d processed = %d, prev %d", 1+i, c.processed, prev)
		}
		prev = c.processed
	}
	if c := calls[len(calls)-2]; c != (progressCall{n, n, "Masking"}) {
		t.Errorf("masking call = %+v", c)
	}
	if last := calls[len(calls)-1]; last != (progressCall{n, n, "Done"}) {
		t.Errorf("last call = %+v", last)
	}
}

func TestPipeline_Warmup(t *testing.T) {
	p := NewPipeline(Options{Logger: newTestLogger(nil)})
	<-p.Warmup()
	if p.ModelState() != ModelReady {
		t.Errorf("state = %s", p.ModelState())
	}

	q := newChunkPipeline(t, 0, 1, nil)
	if q.ModelState() != ModelUninitialized {
		t.Errorf("models loaded before warmup: %s", q.ModelState())
	}
	<-q.Warmup()
	if q.ModelState() != ModelReady {
		t.Errorf("state after warmup = %s", q.ModelState())
	}
}
