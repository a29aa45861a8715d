// Package pairing enforces the symmetric one-partner invariant over a
// store.Backend.
//
// Every operation runs in its own transaction through store.RunInTx, so
// each exit path commits or rolls back. Link takes Exclusive locks on both
// rows in ascending id order regardless of argument order; two links that
// share an entity therefore queue on the lower id and never form a wait
// cycle.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

// ErrSelfLink is returned by Link when both ids are the same.
var ErrSelfLink = errors.New("cannot link an entity to itself")

// Service implements create, get, link and update.
type Service struct {
	backend   store.Backend
	isolation entity.IsolationLevel
	readLock  entity.LockMode
	retries   uint64
	backoff   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records operation outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithIsolation sets the isolation level of every service transaction.
func WithIsolation(level entity.IsolationLevel) Option {
	return func(s *Service) { s.isolation = level }
}

// WithReadLock sets the lock mode Get reads with. Only LockNone and
// LockShared are accepted; Get has no write intent.
func WithReadLock(mode entity.LockMode) Option {
	return func(s *Service) {
		if mode != entity.LockExclusive {
			s.readLock = mode
		}
	}
}

// WithSerializationRetries retries a transaction aborted with
// store.ErrSerialization up to n times, with exponential backoff from base.
// Business errors are never retried.
func WithSerializationRetries(n uint64, base time.Duration) Option {
	return func(s *Service) {
		s.retries = n
		if base > 0 {
			s.backoff = base
		}
	}
}

// New creates a Service over backend.
func New(backend store.Backend, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		readLock: entity.LockShared,
		backoff:  5 * time.Millisecond,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeName returns the stored form of a name (Unicode NFC) or
// entity.ErrInvalidName when it is blank.
func NormalizeName(name string) (string, error) {
	n := norm.NFC.String(name)
	if strings.TrimSpace(n) == "" {
		return "", fmt.Errorf("%w: name must not be empty", entity.ErrInvalidName)
	}
	return n, nil
}

// Create inserts a new unlinked entity.
func (s *Service) Create(ctx context.Context, name string) (view entity.View, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("create", start, err) }()

	name, err = NormalizeName(name)
	if err != nil {
		return entity.View{}, err
	}

	var created entity.Entity
	err = s.inTx(ctx, "create", func(tx store.Tx) error {
		e, err := tx.Create(ctx, name)
		if err != nil {
			return err
		}
		created = e
		return nil
	})
	if err != nil {
		return entity.View{}, err
	}

	s.logger.Debug("entity created", "entity_id", created.ID, "name", created.Name)
	return entity.ViewOf(created), nil
}

// Get returns the committed state of id.
func (s *Service) Get(ctx context.Context, id entity.ID) (view entity.View, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("get", start, err) }()

	var got entity.Entity
	err = s.inTx(ctx, "get", func(tx store.Tx) error {
		e, err := tx.Fetch(ctx, id, s.readLock)
		if err != nil {
			return err
		}
		got = e
		return nil
	})
	if err != nil {
		return entity.View{}, err
	}
	return entity.ViewOf(got), nil
}

// Link pairs a and b. It fails with *entity.AlreadyPairedError naming the
// first already-linked entity (in ascending id order) and its current
// partner; in that case nothing is written.
func (s *Service) Link(ctx context.Context, a, b entity.ID) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("link", start, err) }()

	if a == b {
		return fmt.Errorf("link %d: %w", a, ErrSelfLink)
	}

	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	err = s.inTx(ctx, "link", func(tx store.Tx) error {
		first, err := tx.Fetch(ctx, lo, entity.LockExclusive)
		if err != nil {
			return err
		}
		second, err := tx.Fetch(ctx, hi, entity.LockExclusive)
		if err != nil {
			return err
		}

		for _, e := range []entity.Entity{first, second} {
			if e.Linked() {
				return entity.NewAlreadyPaired(e.ID, *e.PartnerID)
			}
		}

		first.PartnerID = entity.PartnerOf(second.ID)
		second.PartnerID = entity.PartnerOf(first.ID)
		if err := tx.Save(ctx, first); err != nil {
			return err
		}
		return tx.Save(ctx, second)
	})
	if err != nil {
		s.logger.Debug("link rejected", "entity_id", a, "partner_id", b, "error", err)
		return err
	}

	s.logger.Info("entities linked", "entity_id", a, "partner_id", b)
	return nil
}

// Update renames id. Renaming to the stored name fails with
// *entity.SameValueError and leaves the row unchanged. Names are compared in
// NFC, so a stored name written without normalization still matches.
func (s *Service) Update(ctx context.Context, id entity.ID, newName string) (view entity.View, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("update", start, err) }()

	newName, err = NormalizeName(newName)
	if err != nil {
		return entity.View{}, err
	}

	var updated entity.Entity
	err = s.inTx(ctx, "update", func(tx store.Tx) error {
		e, err := tx.Fetch(ctx, id, entity.LockExclusive)
		if err != nil {
			return err
		}
		if norm.NFC.String(e.Name) == newName {
			return entity.NewSameValue(id, newName)
		}
		e.Name = newName
		if err := tx.Save(ctx, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return entity.View{}, err
	}

	s.logger.Debug("entity renamed", "entity_id", id, "name", newName)
	return entity.ViewOf(updated), nil
}

// inTx runs fn in a fresh transaction, retrying serialization failures when
// configured to.
func (s *Service) inTx(ctx context.Context, op string, fn func(store.Tx) error) error {
	opts := store.TxOptions{Isolation: s.isolation}
	if s.retries == 0 {
		return store.RunInTx(ctx, s.backend, opts, fn)
	}

	attempt := 0
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := store.RunInTx(ctx, s.backend, opts, fn)
		if errors.Is(err, store.ErrSerialization) {
			s.logger.Debug("retrying transaction", "op", op, "attempt", attempt, "error", err)
			s.metrics.retried(op)
			return retry.RetryableError(err)
		}
		return err
	})
}
