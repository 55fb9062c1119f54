package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingEdit(entryID, op string) Pending {
	return Pending{
		Type:          "entry." + op,
		AggregateID:   entryID,
		AggregateType: "entry",
		Payload:       json.RawMessage(`{"operation":"` + op + `"}`),
	}
}

// storeFactories lets every behavioural test run against each Store.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "events.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestAppend_ContiguousSequences(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(newStore(), nil)

			first, err := log.Append(ctx, "entry-42", []Pending{pendingEdit("42", "insert"), pendingEdit("42", "update")},
				AppendOptions{ExpectedVersion: 0})
			require.NoError(t, err)
			require.Len(t, first, 2)

			second, err := log.Append(ctx, "entry-42", []Pending{pendingEdit("42", "delete")},
				AppendOptions{ExpectedVersion: AnyVersion})
			require.NoError(t, err)
			assert.Equal(t, int64(3), second[0].Sequence)

			events, err := log.ReadStream(ctx, "entry-42", 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i, ev := range events {
				assert.Equal(t, int64(i+1), ev.Sequence)
				assert.Equal(t, "entry-42", ev.StreamID)
				assert.NotEmpty(t, ev.ID)
			}
			assert.Equal(t, "entry.delete", events[2].Type)
			assert.JSONEq(t, `{"operation":"delete"}`, string(events[2].Payload))
		})
	}
}

func TestAppend_ExpectedVersionMismatch(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(newStore(), nil)

			_, err := log.Append(ctx, "entry-1", []Pending{pendingEdit("1", "insert")}, AppendOptions{ExpectedVersion: 0})
			require.NoError(t, err)

			_, err = log.Append(ctx, "entry-1", []Pending{pendingEdit("1", "update")}, AppendOptions{ExpectedVersion: 0})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConcurrency))

			var ce *ConcurrencyError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, int64(1), ce.Actual)
			assert.Equal(t, int64(0), ce.Expected)

			events, err := log.ReadStream(ctx, "entry-1", 0, 0)
			require.NoError(t, err)
			assert.Len(t, events, 1, "a rejected append must not persist anything")
		})
	}
}

func TestAppend_ConcurrentSameExpectedVersion(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(newStore(), nil)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				conflicts int
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := log.Append(ctx, "entry-9", []Pending{pendingEdit("9", "insert")}, AppendOptions{ExpectedVersion: 0})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, ErrConcurrency):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, 1, conflicts)
		})
	}
}

func TestAppend_AnyVersionAcceptsConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	log := NewLog(NewMemoryStore(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(ctx, "entry-5", []Pending{pendingEdit("5", "update")}, AppendOptions{ExpectedVersion: AnyVersion})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := log.ReadStream(ctx, "entry-5", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestOnAppended_DeliversInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	log := NewLog(NewMemoryStore(), nil)

	var (
		mu   sync.Mutex
		seen []int64
		all  int
	)
	cancel := log.OnAppended("entry-7", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Sequence)
	})
	log.OnAppended(AllStreams, func(Event) {
		mu.Lock()
		defer mu.Unlock()
		all++
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = log.Append(ctx, "entry-7", []Pending{pendingEdit("7", "update")}, AppendOptions{ExpectedVersion: AnyVersion})
		}()
	}
	wg.Wait()
	_, err := log.Append(ctx, "entry-8", []Pending{pendingEdit("8", "insert")}, AppendOptions{ExpectedVersion: AnyVersion})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, seen, 10)
	for i, seq := range seen {
		assert.Equal(t, int64(i+1), seq)
	}
	assert.Equal(t, 11, all)
	mu.Unlock()

	cancel()
	_, err = log.Append(ctx, "entry-7", []Pending{pendingEdit("7", "update")}, AppendOptions{ExpectedVersion: AnyVersion})
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, seen, 10, "cancelled observer must not be called")
	mu.Unlock()
}

func TestOnAppended_PanickingObserverDoesNotFailAppend(t *testing.T) {
	log := NewLog(NewMemoryStore(), nil)
	log.OnAppended(AllStreams, func(Event) { panic("boom") })

	_, err := log.Append(context.Background(), "entry-1", []Pending{pendingEdit("1", "insert")}, AppendOptions{ExpectedVersion: AnyVersion})
	assert.NoError(t, err)
}

func TestReadAggregate_SnapshotSubstitution(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(newStore(), nil)

			for _, op := range []string{"insert", "update", "update", "update"} {
				_, err := log.Append(ctx, "entry-3", []Pending{pendingEdit("3", op)}, AppendOptions{ExpectedVersion: AnyVersion})
				require.NoError(t, err)
			}

			require.NoError(t, log.CreateSnapshot(ctx, Snapshot{
				AggregateID: "3", AggregateType: "entry", Version: 2, State: json.RawMessage(`{"hu":"alma"}`),
			}))

			h, err := log.ReadAggregate(ctx, "3", "entry", 0)
			require.NoError(t, err)
			require.NotNil(t, h.Snapshot)
			assert.Equal(t, int64(2), h.Snapshot.Version)
			require.Len(t, h.Events, 2)
			assert.Equal(t, int64(3), h.Events[0].Sequence)
			assert.Equal(t, int64(4), h.Version())

			raw, err := log.ReadAggregate(ctx, "3", "entry", 1)
			require.NoError(t, err)
			assert.Nil(t, raw.Snapshot)
			assert.Len(t, raw.Events, 4)

			again, err := log.ReadAggregate(ctx, "3", "entry", 0)
			require.NoError(t, err)
			assert.Equal(t, h.Events, again.Events, "reads must be idempotent")

			// A newer snapshot replaces the old one.
			require.NoError(t, log.CreateSnapshot(ctx, Snapshot{
				AggregateID: "3", AggregateType: "entry", Version: 4, State: json.RawMessage(`{"hu":"körte"}`),
			}))
			snap, err := log.GetSnapshot(ctx, "3", "entry")
			require.NoError(t, err)
			assert.Equal(t, int64(4), snap.Version)
			assert.JSONEq(t, `{"hu":"körte"}`, string(snap.State))

			latest, err := log.ReadAggregate(ctx, "3", "entry", 0)
			require.NoError(t, err)
			assert.Empty(t, latest.Events)
			assert.Equal(t, int64(4), latest.Version())
		})
	}
}

func TestReadStream_Range(t *testing.T) {
	ctx := context.Background()
	log := NewLog(NewMemoryStore(), nil)
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "entry-2", []Pending{pendingEdit("2", "update")}, AppendOptions{ExpectedVersion: AnyVersion})
		require.NoError(t, err)
	}

	events, err := log.ReadStream(ctx, "entry-2", 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(4), events[2].Sequence)
}

func TestAppend_MetadataIsKept(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(newStore(), nil)

			_, err := log.Append(ctx, "entry-4", []Pending{pendingEdit("4", "insert")}, AppendOptions{
				ExpectedVersion: AnyVersion,
				Metadata:        Metadata{UserID: "u-1", CorrelationID: "req-1", ConnectionID: "c-1"},
			})
			require.NoError(t, err)

			events, err := log.ReadStream(ctx, "entry-4", 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "u-1", events[0].Metadata.UserID)
			assert.Equal(t, "req-1", events[0].Metadata.CorrelationID)
			assert.Equal(t, "c-1", events[0].Metadata.ConnectionID)
			assert.False(t, events[0].Metadata.Timestamp.IsZero())
		})
	}
}

func TestAppend_RejectsEmpty(t *testing.T) {
	log := NewLog(NewMemoryStore(), nil)
	_, err := log.Append(context.Background(), "entry-1", nil, AppendOptions{ExpectedVersion: AnyVersion})
	assert.ErrorIs(t, err, ErrEmptyAppend)
}

func TestCatchup_SubscribeErrorSkipsRead(t *testing.T) {
	log := NewLog(NewMemoryStore(), nil)
	boom := errors.New("join refused")
	called := false

	err := log.Catchup(context.Background(), "entry-1", 1,
		func() error { return boom },
		func([]Event, error) { called = true })
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestCatchup_HoldsOffAppendsUntilDelivered(t *testing.T) {
	ctx := context.Background()
	log := NewLog(NewMemoryStore(), nil)
	_, err := log.Append(ctx, "entry-7", []Pending{pendingEdit("7", "insert")}, AppendOptions{ExpectedVersion: AnyVersion})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int64
	detach := log.OnAppended("entry-7", func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Sequence)
		mu.Unlock()
	})
	defer detach()

	appended := make(chan error, 1)
	err = log.Catchup(ctx, "entry-7", 1, func() error {
		go func() {
			_, err := log.Append(ctx, "entry-7", []Pending{pendingEdit("7", "update")}, AppendOptions{ExpectedVersion: AnyVersion})
			appended <- err
		}()
		return nil
	}, func(events []Event, err error) {
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].Sequence)
		mu.Lock()
		seen = append(seen, events[0].Sequence)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, <-appended)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2}, seen)
}
