// Package entity defines the row type managed by pairlock together with the
// lock modes, isolation levels and business errors shared by every layer.
//
// An Entity is a single row of the entities relation:
//
//	id          INTEGER PRIMARY KEY (store-generated)
//	name        TEXT NOT NULL
//	partner_id  INTEGER NULL REFERENCES entities(id)
//
// Pairing is symmetric: once a link transaction commits, A.PartnerID == B.ID
// implies B.PartnerID == A.ID. A partner id is never reset to nil.
package entity

import (
	"fmt"
	"strings"
)

// ID identifies an entity. IDs are assigned by the store and never change.
type ID int64

// Entity is the full persisted state of one row.
type Entity struct {
	ID        ID     `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	PartnerID *ID    `json:"partner_id,omitempty" yaml:"partner_id,omitempty"`
}

// Linked reports whether the entity already has a partner.
func (e Entity) Linked() bool {
	return e.PartnerID != nil
}

// Clone returns a deep copy so callers can hold immutable views.
func (e Entity) Clone() Entity {
	out := e
	if e.PartnerID != nil {
		p := *e.PartnerID
		out.PartnerID = &p
	}
	return out
}

// Equal compares all persisted fields.
func (e Entity) Equal(o Entity) bool {
	if e.ID != o.ID || e.Name != o.Name {
		return false
	}
	if e.PartnerID == nil || o.PartnerID == nil {
		return e.PartnerID == nil && o.PartnerID == nil
	}
	return *e.PartnerID == *o.PartnerID
}

// String renders the entity for logs and assertion messages.
func (e Entity) String() string {
	if e.PartnerID == nil {
		return fmt.Sprintf("{id=%d name=%q}", e.ID, e.Name)
	}
	return fmt.Sprintf("{id=%d name=%q partner=%d}", e.ID, e.Name, *e.PartnerID)
}

// PartnerOf returns a pointer to id, for building Entity values.
func PartnerOf(id ID) *ID {
	return &id
}

// View is the caller-facing projection returned by the pairing service.
type View struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	PartnerID *ID    `json:"partner_id"`
}

// ViewOf projects an entity.
func ViewOf(e Entity) View {
	c := e.Clone()
	return View{ID: c.ID, Name: c.Name, PartnerID: c.PartnerID}
}

// LockMode selects the row lock taken by a fetch.
type LockMode int

const (
	// LockNone performs a plain consistent read.
	LockNone LockMode = iota
	// LockShared permits other shared holders but excludes writers.
	LockShared
	// LockExclusive excludes every other locking reader and writer.
	LockExclusive
)

var lockModeNames = map[LockMode]string{
	LockNone:      "none",
	LockShared:    "shared",
	LockExclusive: "exclusive",
}

func (m LockMode) String() string {
	if s, ok := lockModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("LockMode(%d)", int(m))
}

// ParseLockMode parses "none", "shared" or "exclusive". Empty means none.
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return LockNone, nil
	case "shared", "share", "read":
		return LockShared, nil
	case "exclusive", "update", "write":
		return LockExclusive, nil
	}
	return LockNone, fmt.Errorf("unknown lock mode %q", s)
}

// UnmarshalYAML lets scenario files spell lock modes by name.
func (m *LockMode) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLockMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalText renders the lock mode name.
func (m LockMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// IsolationLevel is the per-transaction isolation setting.
type IsolationLevel int

const (
	// IsolationDefault leaves the choice to the backend.
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

var isolationNames = map[IsolationLevel]string{
	IsolationDefault:         "default",
	IsolationReadUncommitted: "read_uncommitted",
	IsolationReadCommitted:   "read_committed",
	IsolationRepeatableRead:  "repeatable_read",
	IsolationSerializable:    "serializable",
}

func (l IsolationLevel) String() string {
	if s, ok := isolationNames[l]; ok {
		return s
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

// ParseIsolationLevel accepts snake_case, spaced or hyphenated names.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	if norm == "" {
		return IsolationDefault, nil
	}
	for lvl, name := range isolationNames {
		if name == norm {
			return lvl, nil
		}
	}
	return IsolationDefault, fmt.Errorf("unknown isolation level %q", s)
}

// UnmarshalYAML lets scenario files spell isolation levels by name.
func (l *IsolationLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseIsolationLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText renders the isolation level name.
func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
