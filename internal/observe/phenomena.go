package observe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/pairlock/internal/entity"
)

// Phenomenon is an isolation anomaly.
type Phenomenon int

const (
	DirtyRead Phenomenon = iota + 1
	NonRepeatableRead
	PhantomRead
)

var phenomenonNames = map[Phenomenon]string{
	DirtyRead:         "dirty_read",
	NonRepeatableRead: "non_repeatable_read",
	PhantomRead:       "phantom_read",
}

func (p Phenomenon) String() string {
	if s, ok := phenomenonNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phenomenon(%d)", int(p))
}

// ParsePhenomenon accepts the snake_case names plus a few spellings
// ("dirty", "non-repeatable-read", "phantom").
func ParsePhenomenon(s string) (Phenomenon, error) {
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "dirty_read", "dirty":
		return DirtyRead, nil
	case "non_repeatable_read", "nonrepeatable_read", "unrepeatable_read", "non_repeatable":
		return NonRepeatableRead, nil
	case "phantom_read", "phantom":
		return PhantomRead, nil
	}
	return 0, fmt.Errorf("unknown phenomenon %q", s)
}

// UnmarshalYAML decodes a phenomenon name.
func (p *Phenomenon) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParsePhenomenon(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText encodes the phenomenon name.
func (p Phenomenon) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phenomenon name.
func (p *Phenomenon) UnmarshalText(text []byte) error {
	parsed, err := ParsePhenomenon(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Finding is one observed phenomenon. Dirty reads are found in a single
// snapshot (FirstStep is 0); the other phenomena compare two consecutive
// snapshots of the same label taken by the same worker in one transaction.
type Finding struct {
	Phenomenon Phenomenon     `json:"phenomenon"`
	Worker     string         `json:"worker"`
	Label      string         `json:"label"`
	EntityID   entity.ID      `json:"entity_id"`
	FirstStep  int64          `json:"first_step,omitempty"`
	SecondStep int64          `json:"second_step"`
	Before     *entity.Entity `json:"before,omitempty"`
	After      *entity.Entity `json:"after,omitempty"`
	CausedBy   string         `json:"caused_by,omitempty"`
}

func (f Finding) String() string {
	show := func(e *entity.Entity) string {
		if e == nil {
			return "absent"
		}
		return e.String()
	}
	cause := ""
	if f.CausedBy != "" {
		cause = " by " + f.CausedBy
	}
	return fmt.Sprintf("%s seen by %s on %s: entity %d %s -> %s%s",
		f.Phenomenon, f.Worker, f.Label, f.EntityID, show(f.Before), show(f.After), cause)
}

// Analyze classifies every phenomenon visible in the captured snapshots.
// Findings are ordered by step.
func (o *Observer) Analyze() []Finding {
	return Analyze(o.Snapshots(), o.Writes())
}

// Analyze classifies phenomena in snaps given the write journal.
func Analyze(snaps []Snapshot, writes []Write) []Finding {
	var out []Finding

	dirty := make(map[int64]map[entity.ID]bool)
	for _, s := range snaps {
		for _, f := range dirtyReads(s, writes) {
			if dirty[s.Step] == nil {
				dirty[s.Step] = make(map[entity.ID]bool)
			}
			dirty[s.Step][f.EntityID] = true
			out = append(out, f)
		}
	}

	type series struct {
		worker, label string
		txn           int64
	}
	last := make(map[series]Snapshot)
	for _, s := range snaps {
		key := series{s.Worker, s.Label, s.Txn}
		if prev, ok := last[key]; ok {
			out = append(out, compare(prev, s, writes, dirty)...)
		}
		last[key] = s
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SecondStep != out[j].SecondStep {
			return out[i].SecondStep < out[j].SecondStep
		}
		if out[i].Phenomenon != out[j].Phenomenon {
			return out[i].Phenomenon < out[j].Phenomenon
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// dirtyReads finds rows in s that reflect another worker's open transaction.
func dirtyReads(s Snapshot, writes []Write) []Finding {
	var out []Finding
	seen := make(map[entity.ID]bool)
	for _, w := range writes {
		if w.Worker == s.Worker || !w.openAt(s.Step) || seen[w.ID()] {
			continue
		}
		id := w.ID()
		row, present := s.row(id)

		var hit bool
		switch w.Kind {
		case WriteInsert, WriteUpdate:
			changed := w.Before == nil || !w.Before.Equal(*w.After)
			hit = present && changed && row.Equal(*w.After)
		case WriteDelete:
			hit = !present && s.Query.Match(*w.Before)
		}
		if !hit {
			continue
		}

		seen[id] = true
		f := Finding{
			Phenomenon: DirtyRead,
			Worker:     s.Worker,
			Label:      s.Label,
			EntityID:   id,
			SecondStep: s.Step,
			Before:     cloneRef(w.Before),
			CausedBy:   w.Worker,
		}
		if present {
			f.After = &row
		}
		out = append(out, f)
	}
	return out
}

// compare classifies differences between two snapshots of one series.
// Differences explained by a dirty read in either snapshot, or by the
// observing worker's own writes between them, are skipped.
func compare(a, b Snapshot, writes []Write, dirty map[int64]map[entity.ID]bool) []Finding {
	var out []Finding

	ids := make(map[entity.ID]struct{})
	for _, r := range a.rows {
		ids[r.ID] = struct{}{}
	}
	for _, r := range b.rows {
		ids[r.ID] = struct{}{}
	}
	sorted := make([]entity.ID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		if dirty[a.Step][id] || dirty[b.Step][id] || wroteBetween(b.Worker, id, a, b, writes) {
			continue
		}
		before, inA := a.row(id)
		after, inB := b.row(id)

		f := Finding{
			Worker:     b.Worker,
			Label:      b.Label,
			EntityID:   id,
			FirstStep:  a.Step,
			SecondStep: b.Step,
		}
		switch {
		case inA && inB:
			if before.Equal(after) {
				continue
			}
			f.Phenomenon = NonRepeatableRead
			f.Before, f.After = &before, &after
		case inA:
			f.Phenomenon = PhantomRead
			f.Before = &before
		default:
			f.Phenomenon = PhantomRead
			f.After = &after
		}
		f.CausedBy = causeBetween(id, a, b, writes)
		out = append(out, f)
	}
	return out
}

// causeBetween names the worker whose write to id committed between the two
// snapshots, or "" when the journal has none.
func causeBetween(id entity.ID, a, b Snapshot, writes []Write) string {
	for _, w := range writes {
		if w.Worker != b.Worker && w.ID() == id && w.committedBetween(a.Step, b.Step) {
			return w.Worker
		}
	}
	return ""
}

// wroteBetween reports whether worker itself wrote id after a and before b.
func wroteBetween(worker string, id entity.ID, a, b Snapshot, writes []Write) bool {
	for _, w := range writes {
		if w.Worker == worker && w.ID() == id && w.Step > a.Step && w.Step < b.Step {
			return true
		}
	}
	return false
}

func cloneRef(e *entity.Entity) *entity.Entity {
	if e == nil {
		return nil
	}
	c := e.Clone()
	return &c
}
