package store

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"ghostlayer/internal/anonymizer"
	"ghostlayer/internal/logger"
)

// Kind says what a rule does with its phrase.
type Kind string

const (
	// KindAnonymize always masks the phrase.
	KindAnonymize Kind = "anonymize"
	// KindWhitelist never masks the phrase: matching entities start inactive.
	KindWhitelist Kind = "whitelist"
)

// ErrInvalidRule is returned for rules with an empty pattern or unknown kind.
var ErrInvalidRule = errors.New("invalid rule")

// Rule is a stored learned rule.
type Rule struct {
	Pattern   string    `json:"pattern" yaml:"pattern" cbor:"pattern"`
	Category  string    `json:"category,omitempty" yaml:"category,omitempty" cbor:"category"`
	Kind      Kind      `json:"kind" yaml:"kind,omitempty" cbor:"kind"`
	CreatedAt time.Time `json:"createdAt" yaml:"-" cbor:"created"`
}

// key is unique per kind and case-insensitive in the pattern.
func (r Rule) key() string { return ruleKey(r.Pattern, r.Kind) }

func ruleKey(pattern string, kind Kind) string {
	return string(kind) + "\x00" + strings.ToLower(strings.TrimSpace(pattern))
}

func (r Rule) normalized() (Rule, error) {
	r.Pattern = strings.TrimSpace(r.Pattern)
	if r.Pattern == "" {
		return r, fmt.Errorf("%w: empty pattern", ErrInvalidRule)
	}
	switch r.Kind {
	case "":
		r.Kind = KindAnonymize
	case KindAnonymize, KindWhitelist:
	default:
		return r, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	r.Category = strings.TrimSpace(r.Category)
	if r.Category == "" && r.Kind == KindAnonymize {
		r.Category = anonymizer.CategoryLearnedRule
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r, nil
}

// ruleBackend is the storage primitive behind RuleStore.
type ruleBackend interface {
	// insert stores r under its key unless present, deleting evict in the
	// same step when non-empty. It reports whether r was added.
	insert(r Rule, evict string) (bool, error)
	remove(key string) (bool, error)
	list() ([]Rule, error)
	clear() error
}

// RuleStore holds learned rules. It is safe for concurrent use and feeds
// the learned-rule detector through ListActiveRules.
type RuleStore struct {
	backend ruleBackend
	log     *logger.Logger
}

// NewMemoryRuleStore returns an in-memory rule store.
func NewMemoryRuleStore(log *logger.Logger) *RuleStore {
	return &RuleStore{backend: &memoryRules{rules: make(map[string]Rule)}, log: log}
}

// Add stores r and reports whether it was new. Adding an anonymize rule
// removes a whitelist rule with the same pattern.
func (s *RuleStore) Add(r Rule) (bool, error) {
	r, err := r.normalized()
	if err != nil {
		return false, err
	}
	evict := ""
	if r.Kind == KindAnonymize {
		evict = ruleKey(r.Pattern, KindWhitelist)
	}
	added, err := s.backend.insert(r, evict)
	if err != nil {
		return false, fmt.Errorf("add rule: %w", err)
	}
	if added {
		s.log.Infof("rule_add", "%s rule added (%d chars)", r.Kind, len([]rune(r.Pattern)))
	}
	return added, nil
}

// Remove deletes the rule with pattern and kind.
func (s *RuleStore) Remove(pattern string, kind Kind) error {
	if kind == "" {
		kind = KindAnonymize
	}
	ok, err := s.backend.remove(ruleKey(pattern, kind))
	if err != nil {
		return fmt.Errorf("remove rule: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s rule: %w", kind, ErrNotFound)
	}
	return nil
}

// List returns every rule, newest first.
func (s *RuleStore) List() ([]Rule, error) {
	rules, err := s.backend.list()
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.After(rules[j].CreatedAt)
		}
		return rules[i].Pattern < rules[j].Pattern
	})
	return rules, nil
}

// ListActiveRules returns the anonymize rules in detector form.
func (s *RuleStore) ListActiveRules() ([]anonymizer.Rule, error) {
	rules, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]anonymizer.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Kind == KindAnonymize {
			out = append(out, anonymizer.Rule{Pattern: r.Pattern, Category: r.Category})
		}
	}
	return out, nil
}

// Whitelist returns the patterns of whitelist rules.
func (s *RuleStore) Whitelist() ([]string, error) {
	rules, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range rules {
		if r.Kind == KindWhitelist {
			out = append(out, r.Pattern)
		}
	}
	return out, nil
}

// ruleFile is the YAML exchange format.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ExportYAML writes every rule to w.
func (s *RuleStore) ExportYAML(w io.Writer) error {
	rules, err := s.List()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(ruleFile{Rules: rules}); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return enc.Close()
}

// ImportYAML reads rules from r. Without merge the existing rules are
// replaced. Invalid and duplicate rules are skipped and counted.
func (s *RuleStore) ImportYAML(r io.Reader, merge bool) (added, skipped int, err error) {
	var f ruleFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, fmt.Errorf("decode rules: %w", err)
	}
	if !merge {
		if err := s.backend.clear(); err != nil {
			return 0, 0, fmt.Errorf("clear rules: %w", err)
		}
	}
	for _, rule := range f.Rules {
		rule.CreatedAt = time.Time{}
		ok, err := s.Add(rule)
		switch {
		case errors.Is(err, ErrInvalidRule):
			skipped++
		case err != nil:
			return added, skipped, err
		case ok:
			added++
		default:
			skipped++
		}
	}
	s.log.Infof("rule_import", "import finished: %d added, %d skipped", added, skipped)
	return added, skipped, nil
}

// --- memory backend -----------------------------------------------------

type memoryRules struct {
	mu    sync.Mutex
	rules map[string]Rule
}

func (m *memoryRules) insert(r Rule, evict string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evict != "" {
		delete(m.rules, evict)
	}
	if _, ok := m.rules[r.key()]; ok {
		return false, nil
	}
	m.rules[r.key()] = r
	return true, nil
}

func (m *memoryRules) remove(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[key]; !ok {
		return false, nil
	}
	delete(m.rules, key)
	return true, nil
}

func (m *memoryRules) list() ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}

func (m *memoryRules) clear() error {
	m.mu.Lock()
	m.rules = make(map[string]Rule)
	m.mu.Unlock()
	return nil
}

// --- bbolt backend ------------------------------------------------------

type boltRules struct {
	db *bolt.DB
}

func (b *boltRules) insert(r Rule, evict string) (bool, error) {
	value, err := marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode rule: %w", err)
	}
	added := false
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(rulesBucket))
		if evict != "" {
			if err := bucket.Delete([]byte(evict)); err != nil {
				return err
			}
		}
		key := []byte(r.key())
		if bucket.Get(key) != nil {
			return nil
		}
		added = true
		return bucket.Put(key, value)
	})
	return added, err
}

func (b *boltRules) remove(key string) (bool, error) {
	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(rulesBucket))
		if bucket.Get([]byte(key)) == nil {
			return nil
		}
		found = true
		return bucket.Delete([]byte(key))
	})
	return found, err
}

func (b *boltRules) list() ([]Rule, error) {
	var out []Rule
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(rulesBucket)).ForEach(func(k, v []byte) error {
			var r Rule
			if err := unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode rule %q: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (b *boltRules) clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(rulesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(rulesBucket))
		return err
	})
}
