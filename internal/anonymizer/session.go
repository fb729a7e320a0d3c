package anonymizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEntityNotFound is returned when a toggle names no entity.
var ErrEntityNotFound = errors.New("entity not found")

// Document is the caller-owned state of one loaded document: the original
// text, the current mask and the full entity ledger. Toggling an entity
// regenerates the mask without re-running detection. A Document is not safe
// for concurrent use.
type Document struct {
	Original string   `json:"original" cbor:"original"`
	Masked   string   `json:"anonymizedText" cbor:"masked"`
	Entities []Entity `json:"entities" cbor:"entities"`
}

// NewDocument builds a session from a run's result. Entities whose text is
// whitelisted (compared case-insensitively) start inactive.
func NewDocument(original string, res Result, whitelist []string) *Document {
	d := &Document{
		Original: original,
		Masked:   res.Text,
		Entities: append([]Entity(nil), res.Entities...),
	}
	if len(whitelist) == 0 {
		return d
	}
	skip := make(map[string]bool, len(whitelist))
	for _, w := range whitelist {
		skip[strings.ToLower(strings.TrimSpace(w))] = true
	}
	changed := false
	for i := range d.Entities {
		if skip[strings.ToLower(strings.TrimSpace(d.Entities[i].Text))] {
			d.Entities[i].Active = false
			changed = true
		}
	}
	if changed {
		d.remask()
	}
	return d
}

// Active returns the active entities in ledger order.
func (d *Document) Active() []Entity {
	var out []Entity
	for _, e := range d.Entities {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}

// SetActive toggles the entity starting at original offset start and
// regenerates the mask. Active entities may be renumbered.
func (d *Document) SetActive(start int, active bool) error {
	for i := range d.Entities {
		if d.Entities[i].Start == start {
			if d.Entities[i].Active == active {
				return nil
			}
			d.Entities[i].Active = active
			d.remask()
			return nil
		}
	}
	return fmt.Errorf("toggle offset %d: %w", start, ErrEntityNotFound)
}

// remask rebuilds Masked from the active entities and writes the new IDs
// back into the ledger. Inactive entities keep their last ID.
func (d *Document) remask() {
	masked, renumbered := Remask(d.Original, d.Active())
	ids := make(map[int]string, len(renumbered))
	for _, e := range renumbered {
		ids[e.Start] = e.ID
	}
	for i := range d.Entities {
		if id, ok := ids[d.Entities[i].Start]; ok && d.Entities[i].Active {
			d.Entities[i].ID = id
		}
	}
	d.Masked = masked
}

// Restore replaces the placeholders of active entities in output.
func (d *Document) Restore(output string) string {
	text, _ := d.RestoreCount(output)
	return text
}

// RestoreCount is Restore that also reports the number of replacements.
func (d *Document) RestoreCount(output string) (string, int) {
	return RestoreCount(output, d.Active())
}

// Sync appends entities recovered from placeholders unknown to the active
// ledger and returns them.
func (d *Document) Sync(output string) []Entity {
	var inactive []Span
	for _, e := range d.Entities {
		if !e.Active {
			inactive = append(inactive, e.Span())
		}
	}
	var found []Entity
	for _, e := range SyncNewEntities(d.Original, output, d.Active()) {
		// A later re-activation must not produce overlapping masks.
		if !overlapsAny(e.Span(), inactive) {
			found = append(found, e)
		}
	}
	if len(found) == 0 {
		return nil
	}
	d.Entities = append(d.Entities, found...)
	sort.SliceStable(d.Entities, func(i, j int) bool { return d.Entities[i].Start < d.Entities[j].Start })
	return found
}

// Stats counts active entities per category.
func (d *Document) Stats() map[string]int {
	return Stats(d.Active())
}

// Result returns the current state as a Result.
func (d *Document) Result() Result {
	return Result{Text: d.Masked, Entities: d.Entities, Stats: d.Stats()}
}
