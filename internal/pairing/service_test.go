package pairing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
	"github.com/roach88/pairlock/internal/store/memstore"
	"github.com/roach88/pairlock/internal/store/sqlstore"
)

// backends returns one constructor per backend the service is tested on.
func backends(t *testing.T) map[string]func(t *testing.T) store.Backend {
	return map[string]func(t *testing.T) store.Backend{
		"memory": func(t *testing.T) store.Backend {
			s := memstore.New(memstore.Options{LockWaitTimeout: 5 * time.Second})
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) store.Backend {
			path := filepath.Join(t.TempDir(), "pairing.db")
			s, err := sqlstore.OpenSQLite(context.Background(), path, sqlstore.Options{})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, svc *Service)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, New(open(t)))
		})
	}
}

func mustCreate(t *testing.T, svc *Service, names ...string) []entity.ID {
	t.Helper()
	var ids []entity.ID
	for _, n := range names {
		v, err := svc.Create(context.Background(), n)
		require.NoError(t, err)
		assert.Nil(t, v.PartnerID)
		ids = append(ids, v.ID)
	}
	return ids
}

func partnerOf(t *testing.T, svc *Service, id entity.ID) *entity.ID {
	t.Helper()
	v, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	return v.PartnerID
}

func TestLink_Symmetric(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ids := mustCreate(t, svc, "Bill", "Ann")

		// Argument order must not matter.
		require.NoError(t, svc.Link(context.Background(), ids[1], ids[0]))

		a := partnerOf(t, svc, ids[0])
		b := partnerOf(t, svc, ids[1])
		require.NotNil(t, a)
		require.NotNil(t, b)
		assert.Equal(t, ids[1], *a)
		assert.Equal(t, ids[0], *b)
	})
}

func TestLink_AlreadyPairedLeavesBothUntouched(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		ids := mustCreate(t, svc, "Bill", "Ann", "Tom")
		bill, ann, tom := ids[0], ids[1], ids[2]
		require.NoError(t, svc.Link(ctx, bill, ann))

		err := svc.Link(ctx, tom, ann)
		require.Error(t, err)
		assert.ErrorIs(t, err, entity.ErrAlreadyPaired)

		var paired *entity.AlreadyPairedError
		require.ErrorAs(t, err, &paired)
		assert.Equal(t, ann, paired.ID)
		assert.Equal(t, bill, paired.PartnerID)

		assert.Nil(t, partnerOf(t, svc, tom))
		p := partnerOf(t, svc, ann)
		require.NotNil(t, p)
		assert.Equal(t, bill, *p)
	})
}

func TestLink_ReportsLowerIDFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		ids := mustCreate(t, svc, "A", "B", "C", "D")
		require.NoError(t, svc.Link(ctx, ids[0], ids[1]))
		require.NoError(t, svc.Link(ctx, ids[2], ids[3]))

		err := svc.Link(ctx, ids[3], ids[1])
		var paired *entity.AlreadyPairedError
		require.ErrorAs(t, err, &paired)
		assert.Equal(t, ids[1], paired.ID)
		assert.Equal(t, ids[0], paired.PartnerID)
	})
}

func TestLink_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		ids := mustCreate(t, svc, "Bill")

		err := svc.Link(ctx, ids[0], 99)
		assert.ErrorIs(t, err, entity.ErrNotFound)
		assert.Nil(t, partnerOf(t, svc, ids[0]))

		_, err = svc.Get(ctx, 99)
		var nf *entity.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, entity.ID(99), nf.ID)
	})
}

func TestLink_Self(t *testing.T) {
	svc := New(memstore.New(memstore.Options{}))
	ids := mustCreate(t, svc, "Narcissus")

	err := svc.Link(context.Background(), ids[0], ids[0])
	assert.ErrorIs(t, err, ErrSelfLink)
	assert.Nil(t, partnerOf(t, svc, ids[0]))
}

func TestLink_ConcurrentSharedEntity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		for round := 0; round < 10; round++ {
			ids := mustCreate(t, svc, "a", "b", "c")
			a, b, c := ids[0], ids[1], ids[2]

			var wg sync.WaitGroup
			errs := make([]error, 2)
			wg.Add(2)
			go func() { defer wg.Done(); errs[0] = svc.Link(ctx, a, b) }()
			go func() { defer wg.Done(); errs[1] = svc.Link(ctx, b, c) }()
			wg.Wait()

			var winners int
			for _, err := range errs {
				if err == nil {
					winners++
					continue
				}
				assert.ErrorIs(t, err, entity.ErrAlreadyPaired, "round %d", round)
			}
			require.Equal(t, 1, winners, "round %d: %v", round, errs)

			pb := partnerOf(t, svc, b)
			require.NotNil(t, pb)
			if errs[0] == nil {
				assert.Equal(t, a, *pb)
				assert.Equal(t, b, *partnerOf(t, svc, a))
				assert.Nil(t, partnerOf(t, svc, c))
			} else {
				assert.Equal(t, c, *pb)
				assert.Equal(t, b, *partnerOf(t, svc, c))
				assert.Nil(t, partnerOf(t, svc, a))
			}
		}
	})
}

func TestLink_ManyContendersOneWinner(t *testing.T) {
	svc := New(memstore.New(memstore.Options{LockWaitTimeout: 5 * time.Second}))
	ctx := context.Background()
	hub := mustCreate(t, svc, "hub")[0]
	spokes := mustCreate(t, svc, "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []entity.ID
	)
	for _, id := range spokes {
		wg.Add(1)
		go func(id entity.ID) {
			defer wg.Done()
			if err := svc.Link(ctx, id, hub); err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, entity.ErrAlreadyPaired)
			}
		}(id)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], *partnerOf(t, svc, hub))
	for _, id := range spokes {
		if id == winners[0] {
			continue
		}
		assert.Nil(t, partnerOf(t, svc, id), "spoke %d", id)
	}
}

func TestUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		ids := mustCreate(t, svc, "Bill", "Ann")
		require.NoError(t, svc.Link(ctx, ids[0], ids[1]))

		v, err := svc.Update(ctx, ids[0], "William")
		require.NoError(t, err)
		assert.Equal(t, "William", v.Name)
		require.NotNil(t, v.PartnerID, "rename keeps linkage")
		assert.Equal(t, ids[1], *v.PartnerID)

		got, err := svc.Get(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, "William", got.Name)
	})
}

func TestUpdate_SameValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		id := mustCreate(t, svc, "Bill")[0]

		_, err := svc.Update(ctx, id, "Bill")
		var same *entity.SameValueError
		require.ErrorAs(t, err, &same)
		assert.Equal(t, id, same.ID)
		assert.Equal(t, "Bill", same.Value)

		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Bill", got.Name)

		_, err = svc.Update(ctx, 404, "Bill")
		assert.ErrorIs(t, err, entity.ErrNotFound)
	})
}

func TestUpdate_SameValueAgainstDecomposedRow(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			svc := New(b)

			// Rows written below the service keep their bytes as given.
			var id entity.ID
			require.NoError(t, store.RunInTx(ctx, b, store.TxOptions{}, func(tx store.Tx) error {
				e, err := tx.Create(ctx, "Jose\u0301")
				id = e.ID
				return err
			}))

			_, err := svc.Update(ctx, id, "Jose\u0301")
			var same *entity.SameValueError
			require.ErrorAs(t, err, &same)
			assert.Equal(t, "Jos\u00e9", same.Value)

			_, err = svc.Update(ctx, id, "Jos\u00e9")
			assert.ErrorIs(t, err, entity.ErrSameValue)

			got, err := svc.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Jose\u0301", got.Name, "stored bytes are unchanged")
		})
	}
}

func TestUpdate_ConcurrentDuplicateRename(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		id := mustCreate(t, svc, "Y")[0]

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.Update(ctx, id, "X")
			}(i)
		}
		wg.Wait()

		var ok, same int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, entity.ErrSameValue):
				same++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, same)
	})
}

func TestNames(t *testing.T) {
	svc := New(memstore.New(memstore.Options{}))
	ctx := context.Background()

	_, err := svc.Create(ctx, "   ")
	assert.ErrorIs(t, err, entity.ErrInvalidName)

	// Decomposed and precomposed forms are the same name.
	v, err := svc.Create(ctx, "Jose\u0301")
	require.NoError(t, err)
	assert.Equal(t, "Jos\u00e9", v.Name)

	_, err = svc.Update(ctx, v.ID, "Jos\u00e9")
	assert.ErrorIs(t, err, entity.ErrSameValue)

	_, err = svc.Update(ctx, v.ID, "")
	assert.ErrorIs(t, err, entity.ErrInvalidName)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	svc := New(memstore.New(memstore.Options{}), WithMetrics(m))
	ctx := context.Background()

	ids := mustCreate(t, svc, "Bill", "Ann", "Tom")
	require.NoError(t, svc.Link(ctx, ids[0], ids[1]))
	require.Error(t, svc.Link(ctx, ids[2], ids[1]))
	_, err := svc.Update(ctx, ids[2], "Tom")
	require.Error(t, err)
	_, err = svc.Get(ctx, 77)
	require.Error(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Operations.WithLabelValues("create", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("link", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("link", OutcomeAlreadyPaired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("update", OutcomeSameValue)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("get", OutcomeNotFound)))

	n, err := testutil.GatherAndCount(reg, "pairlock_pairing_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one histogram series per op")
}

// flakyBackend fails the first n Begin calls with a serialization error.
type flakyBackend struct {
	store.Backend
	mu       sync.Mutex
	failures int
}

func (f *flakyBackend) Begin(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("injected: %w", store.ErrSerialization)
	}
	return f.Backend.Begin(ctx, opts)
}

func TestSerializationRetries(t *testing.T) {
	mem := memstore.New(memstore.Options{})
	seedSvc := New(mem)
	ids := mustCreate(t, seedSvc, "Bill", "Ann")

	m := NewMetrics(nil)
	svc := New(&flakyBackend{Backend: mem, failures: 2},
		WithMetrics(m),
		WithSerializationRetries(3, time.Millisecond),
	)
	require.NoError(t, svc.Link(context.Background(), ids[0], ids[1]))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retries.WithLabelValues("link")))

	// Exhausted retries surface the serialization error.
	svc = New(&flakyBackend{Backend: mem, failures: 5}, WithSerializationRetries(1, time.Millisecond))
	_, err := svc.Get(context.Background(), ids[0])
	assert.ErrorIs(t, err, store.ErrSerialization)
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	m := NewMetrics(nil)
	svc := New(memstore.New(memstore.Options{}), WithMetrics(m), WithSerializationRetries(5, time.Millisecond))
	_, err := svc.Get(context.Background(), 1)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Retries.WithLabelValues("get")))
}

func TestWithReadLockIgnoresExclusive(t *testing.T) {
	svc := New(memstore.New(memstore.Options{}), WithReadLock(entity.LockExclusive))
	assert.Equal(t, entity.LockShared, svc.readLock)

	svc = New(memstore.New(memstore.Options{}), WithReadLock(entity.LockNone))
	assert.Equal(t, entity.LockNone, svc.readLock)
}
