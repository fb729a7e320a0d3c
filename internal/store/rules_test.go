package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"ghostlayer/internal/logger"
)

func testLogger() *logger.Logger {
	l := logger.New("store", "error")
	l.SetOutput(&bytes.Buffer{})
	return l
}

// ruleStores runs a test against both backends.
func ruleStores(t *testing.T) map[string]*RuleStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "rules.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return map[string]*RuleStore{
		"memory": NewMemoryRuleStore(testLogger()),
		"bbolt":  db.Rules(),
	}
}

func TestRuleStore_AddListRemove(t *testing.T) {
	for name, s := range ruleStores(t) {
		t.Run(name, func(t *testing.T) {
			added, err := s.Add(Rule{Pattern: "  Project Falcon ", Category: "PROJECT"})
			if err != nil || !added {
				t.Fatalf("Add: added=%v err=%v", added, err)
			}

			rules, err := s.List()
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(rules) != 1 {
				t.Fatalf("expected 1 rule, got %d", len(rules))
			}
			r := rules[0]
			if r.Pattern != "Project Falcon" || r.Kind != KindAnonymize || r.CreatedAt.IsZero() {
				t.Errorf("unexpected stored rule: %+v", r)
			}

			if err := s.Remove("project falcon", KindAnonymize); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := s.Remove("project falcon", KindAnonymize); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Remove: want ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRuleStore_DuplicateIsCaseInsensitivePerKind(t *testing.T) {
	for name, s := range ruleStores(t) {
		t.Run(name, func(t *testing.T) {
			if ok, _ := s.Add(Rule{Pattern: "Acme", Kind: KindWhitelist}); !ok {
				t.Fatal("first add should succeed")
			}
			if ok, _ := s.Add(Rule{Pattern: "ACME", Kind: KindWhitelist}); ok {
				t.Error("duplicate with different case should be ignored")
			}
			rules, _ := s.List()
			if len(rules) != 1 {
				t.Errorf("expected 1 rule, got %d", len(rules))
			}
		})
	}
}

func TestRuleStore_AnonymizeEvictsWhitelist(t *testing.T) {
	for name, s := range ruleStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Add(Rule{Pattern: "Иванов", Kind: KindWhitelist}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Add(Rule{Pattern: "иванов", Category: "PERSON"}); err != nil {
				t.Fatal(err)
			}
			wl, err := s.Whitelist()
			if err != nil {
				t.Fatal(err)
			}
			if len(wl) != 0 {
				t.Errorf("whitelist entry should be removed, got %v", wl)
			}
			active, err := s.ListActiveRules()
			if err != nil {
				t.Fatal(err)
			}
			if len(active) != 1 || active[0].Category != "PERSON" {
				t.Errorf("unexpected active rules: %+v", active)
			}
		})
	}
}

func TestRuleStore_InvalidRules(t *testing.T) {
	s := NewMemoryRuleStore(testLogger())
	cases := []Rule{
		{Pattern: "   "},
		{Pattern: "x", Kind: "ignore"},
	}
	for _, r := range cases {
		if _, err := s.Add(r); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("Add(%+v): want ErrInvalidRule, got %v", r, err)
		}
	}
}

func TestRuleStore_DefaultCategory(t *testing.T) {
	s := NewMemoryRuleStore(testLogger())
	if _, err := s.Add(Rule{Pattern: "secret sauce"}); err != nil {
		t.Fatal(err)
	}
	active, _ := s.ListActiveRules()
	if len(active) != 1 || active[0].Category != "LEARNED_RULE" {
		t.Errorf("expected LEARNED_RULE default, got %+v", active)
	}
}

func TestRuleStore_YAMLRoundTrip(t *testing.T) {
	src := NewMemoryRuleStore(testLogger())
	for _, r := range []Rule{
		{Pattern: "Project Falcon", Category: "PROJECT"},
		{Pattern: "Acme", Kind: KindWhitelist},
	} {
		if _, err := src.Add(r); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := src.ExportYAML(&buf); err != nil {
		t.Fatalf("ExportYAML: %v", err)
	}
	if !strings.Contains(buf.String(), "pattern: Project Falcon") {
		t.Errorf("unexpected YAML:\n%s", buf.String())
	}

	for name, dst := range ruleStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := dst.Add(Rule{Pattern: "old"}); err != nil {
				t.Fatal(err)
			}
			added, skipped, err := dst.ImportYAML(bytes.NewReader(buf.Bytes()), false)
			if err != nil {
				t.Fatalf("ImportYAML: %v", err)
			}
			if added != 2 || skipped != 0 {
				t.Errorf("added=%d skipped=%d, want 2/0", added, skipped)
			}
			rules, _ := dst.List()
			if len(rules) != 2 {
				t.Errorf("replace import should drop old rules, got %+v", rules)
			}

			// Merge again: everything is a duplicate.
			added, skipped, err = dst.ImportYAML(bytes.NewReader(buf.Bytes()), true)
			if err != nil {
				t.Fatalf("merge ImportYAML: %v", err)
			}
			if added != 0 || skipped != 2 {
				t.Errorf("merge: added=%d skipped=%d, want 0/2", added, skipped)
			}
		})
	}
}

func TestRuleStore_ImportSkipsInvalid(t *testing.T) {
	s := NewMemoryRuleStore(testLogger())
	in := "rules:\n  - pattern: ''\n  - pattern: ok\n    kind: bogus\n  - pattern: fine\n"
	added, skipped, err := s.ImportYAML(strings.NewReader(in), true)
	if err != nil {
		t.Fatalf("ImportYAML: %v", err)
	}
	if added != 1 || skipped != 2 {
		t.Errorf("added=%d skipped=%d, want 1/2", added, skipped)
	}
}

func TestRuleStore_ImportEmptyInput(t *testing.T) {
	s := NewMemoryRuleStore(testLogger())
	added, skipped, err := s.ImportYAML(strings.NewReader(""), true)
	if err != nil || added != 0 || skipped != 0 {
		t.Errorf("empty import: added=%d skipped=%d err=%v", added, skipped, err)
	}
}

func TestBoltRules_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")
	db, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Rules().Add(Rule{Pattern: "Falcon", Category: "PROJECT"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close() //nolint:errcheck // test cleanup
	active, err := db.Rules().ListActiveRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Pattern != "Falcon" {
		t.Errorf("rule lost across reopen: %+v", active)
	}
}
