package saga

import (
	"context"
	"strings"
	"time"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/internal/keylock"
	"github.com/goliatone/go-migration/store"
)

// LedgerEntry is a recorded successful handler call.
type LedgerEntry struct {
	Key         string    `json:"key" msgpack:"key"`
	Milestone   string    `json:"milestone" msgpack:"milestone"`
	Result      Result    `json:"result,omitempty" msgpack:"result,omitempty"`
	CompletedAt time.Time `json:"completed_at" msgpack:"completed_at"`
}

// Ledger remembers handler results by idempotency key so a repeated call
// with the same key replays the first result instead of running again.
type Ledger struct {
	entries *store.Collection[LedgerEntry]
	locks   *keylock.Locker
	now     func() time.Time
}

func NewLedger(s store.Store, codec store.Codec) *Ledger {
	return &Ledger{
		entries: store.NewCollection[LedgerEntry](s, store.KindIdempotency, codec),
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Lookup returns the recorded entry for key, if any.
func (l *Ledger) Lookup(ctx context.Context, key string) (*LedgerEntry, bool, error) {
	entry, _, err := l.entries.Get(ctx, key)
	if err != nil {
		if migration.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &entry, true, nil
}

// Wrap returns a handler that consults the ledger under the call's
// idempotency key prefixed with scope.
func (l *Ledger) Wrap(scope string, fn HandlerFunc) HandlerFunc {
	scope = strings.TrimSpace(scope)
	return func(ctx context.Context, call Call) (Result, error) {
		if call.IdempotencyKey == "" {
			return fn(ctx, call)
		}
		key := call.IdempotencyKey
		if scope != "" {
			key = scope + ":" + key
		}

		unlock := l.locks.Lock(key)
		defer unlock()

		if entry, ok, err := l.Lookup(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return entry.Result, nil
		}

		res, err := fn(ctx, call)
		if err != nil {
			return nil, err
		}
		_, err = l.entries.Create(ctx, key, LedgerEntry{
			Key:         key,
			Milestone:   call.Milestone,
			Result:      res,
			CompletedAt: l.now(),
		})
		if err != nil && !migration.IsAlreadyExists(err) {
			return nil, err
		}
		return res, nil
	}
}
