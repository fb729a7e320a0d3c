package store

import (
	"errors"
	"path/filepath"
	"testing"

	"ghostlayer/internal/anonymizer"
)

func sessionStores(t *testing.T) map[string]SessionStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return map[string]SessionStore{
		"memory": NewMemorySessionStore(),
		"bbolt":  db.Sessions(),
	}
}

func sampleDocument() *anonymizer.Document {
	original := "Write to anna@example.com today"
	matches := []anonymizer.Match{{
		Span:     anonymizer.Span{Start: 9, End: 25},
		Category: "EMAIL",
		Text:     "anna@example.com",
		Source:   anonymizer.StagePattern,
	}}
	masked, entities := anonymizer.ApplyMasks(original, matches)
	return anonymizer.NewDocument(original, anonymizer.Result{
		Text:     masked,
		Entities: entities,
		Stats:    anonymizer.Stats(entities),
	}, nil)
}

func TestSessionStore_SaveLoadDelete(t *testing.T) {
	for name, s := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			doc := sampleDocument()
			if err := s.Save("s1", doc); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Load("s1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Original != doc.Original || got.Masked != doc.Masked {
				t.Errorf("text mismatch: got %+v", got)
			}
			if len(got.Entities) != 1 || got.Entities[0] != doc.Entities[0] {
				t.Errorf("entity mismatch: got %+v want %+v", got.Entities, doc.Entities)
			}

			// Loaded documents are independent copies.
			got.Entities[0].Active = false
			again, _ := s.Load("s1")
			if !again.Entities[0].Active {
				t.Error("mutating a loaded document changed the stored one")
			}

			if err := s.Delete("s1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Load("s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load after Delete: want ErrNotFound, got %v", err)
			}
			if err := s.Delete("s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Delete: want ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	doc := sampleDocument()
	a, err := marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("CBOR encoding is not deterministic")
	}
}

func TestUnmarshalCompressed_Corrupt(t *testing.T) {
	var doc anonymizer.Document
	if err := unmarshalCompressed([]byte("not zstd"), &doc); err == nil {
		t.Error("expected error for corrupt snapshot")
	}
}
