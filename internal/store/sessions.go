package store

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"ghostlayer/internal/anonymizer"
)

// SessionStore keeps document sessions between API calls. Documents are
// stored as compressed snapshots, so a loaded Document never aliases the
// stored one.
type SessionStore interface {
	Save(id string, doc *anonymizer.Document) error
	Load(id string) (*anonymizer.Document, error)
	Delete(id string) error
}

// NewMemorySessionStore returns an in-memory session store.
func NewMemorySessionStore() SessionStore {
	return &memorySessions{docs: make(map[string][]byte)}
}

type memorySessions struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func (m *memorySessions) Save(id string, doc *anonymizer.Document) error {
	data, err := marshalCompressed(doc)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.mu.Lock()
	m.docs[id] = data
	m.mu.Unlock()
	return nil
}

func (m *memorySessions) Load(id string) (*anonymizer.Document, error) {
	m.mu.RLock()
	data, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return decodeDocument(id, data)
}

func (m *memorySessions) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.docs, id)
	return nil
}

type boltSessions struct {
	db *bolt.DB
}

func (b *boltSessions) Save(id string, doc *anonymizer.Document) error {
	data, err := marshalCompressed(doc)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(id), data)
	})
}

func (b *boltSessions) Load(id string) (*anonymizer.Document, error) {
	var data []byte
	if err := b.db.View(func(tx *bolt.Tx) error {
		// Values are only valid inside the transaction.
		if v := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return decodeDocument(id, data)
}

func (b *boltSessions) Delete(id string) error {
	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if bucket.Get([]byte(id)) == nil {
			return nil
		}
		found = true
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !found {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func decodeDocument(id string, data []byte) (*anonymizer.Document, error) {
	var doc anonymizer.Document
	if err := unmarshalCompressed(data, &doc); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return &doc, nil
}
