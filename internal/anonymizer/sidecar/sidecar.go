// Package sidecar provides an anonymizer.NERModel that calls a named-entity
// sidecar service over HTTP. The sidecar exposes POST /classify and
// GET /health; one sidecar may serve several models, selected by name.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http2"

	"ghostlayer/internal/anonymizer"
	"ghostlayer/internal/logger"
)

// DefaultTimeout bounds a single classify call when none is configured.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a sidecar response is read.
const maxResponseBytes = 8 << 20

// Client calls the sidecar's /classify endpoint for one model.
// It is safe for concurrent use.
type Client struct {
	base  string
	model string
	http  *http.Client
	log   *logger.Logger
}

// New creates a Client for model at baseURL (e.g. "http://127.0.0.1:8001").
// HTTPS endpoints negotiate HTTP/2.
func New(baseURL, model string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(tr); err != nil {
		log.Warnf("sidecar_transport", "HTTP/2 unavailable, using HTTP/1.1: %v", err)
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		model: model,
		http:  &http.Client{Timeout: timeout, Transport: tr},
		log:   log,
	}
}

type classifyRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type classifyResponse struct {
	Spans []anonymizer.NamedSpan `json:"spans"`
}

// Run implements anonymizer.NERModel.
func (c *Client) Run(ctx context.Context, text string) ([]anonymizer.NamedSpan, error) {
	body, err := json.Marshal(classifyRequest{Text: text, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("sidecar: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar: classify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for reuse
		return nil, fmt.Errorf("sidecar: classify: unexpected status %d", resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("sidecar: decode: %w", err)
	}

	spans := reanchor(text, result.Spans)
	if dropped := len(result.Spans) - len(spans); dropped > 0 {
		c.log.Debugf("sidecar_spans", "%s: %d of %d spans could not be anchored", c.model, dropped, len(result.Spans))
	}
	return spans, nil
}

// Health reports whether the sidecar is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("sidecar: request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar: health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for reuse
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar: health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Loader returns a ModelLoader that checks the sidecar health once. A sidecar that
// is down at warm-up leaves the model absent for the life of the process.
func Loader(baseURL, model string, timeout time.Duration, log *logger.Logger) anonymizer.ModelLoader {
	return func(ctx context.Context) (anonymizer.NERModel, error) {
		c := New(baseURL, model, timeout, log)
		hctx, cancel := context.WithTimeout(ctx, c.http.Timeout)
		defer cancel()
		if err := c.Health(hctx); err != nil {
			return nil, fmt.Errorf("model %q: %w", model, err)
		}
		return c, nil
	}
}

// reanchor converts sidecar spans to byte offsets into text. Sidecars may
// report byte or character offsets; the span text decides which. Spans that
// cannot be placed are dropped.
func reanchor(text string, spans []anonymizer.NamedSpan) []anonymizer.NamedSpan {
	if len(spans) == 0 {
		return nil
	}
	var runeOffsets []int // lazily built: rune index -> byte offset
	out := make([]anonymizer.NamedSpan, 0, len(spans))
	for _, s := range spans {
		if s.Start < 0 || s.End <= s.Start {
			continue
		}
		if s.Text == "" || (s.End <= len(text) && text[s.Start:s.End] == s.Text) {
			out = append(out, s)
			continue
		}
		if runeOffsets == nil {
			runeOffsets = runeIndex(text)
		}
		if s.End >= len(runeOffsets) {
			continue
		}
		start, end := runeOffsets[s.Start], runeOffsets[s.End]
		if text[start:end] != s.Text {
			continue
		}
		s.Start, s.End = start, end
		out = append(out, s)
	}
	return out
}

// runeIndex maps each rune index (and the end of text) to its byte offset.
func runeIndex(text string) []int {
	idx := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		idx = append(idx, i)
	}
	return append(idx, len(text))
}
