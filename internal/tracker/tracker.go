// Package tracker runs the per-request history workflow against a store:
// load the slot, reconcile the resolved address, persist, and announce
// appended entries.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/shortontech/iptrace/internal/history"
	"github.com/shortontech/iptrace/internal/metrics"
	"github.com/shortontech/iptrace/internal/store"
)

// Slot names where a visitor's history lives. Key addresses the store;
// Client identifies the visitor in change notifications.
type Slot struct {
	Key    string
	Client string
}

type Tracker struct {
	Now        func() time.Time
	Location   *time.Location
	MaxEntries int // 0 keeps every entry
	Notify     func(history.Change)
	Metrics    *metrics.Metrics
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Observe reconciles info into the slot's history and returns the result.
// A store failure is logged, counted and returned, but the reconciled
// history is still returned so callers can render it.
func (t *Tracker) Observe(ctx context.Context, st store.Store, slot Slot, info history.IPInfo) (history.History, bool, error) {
	now := t.now()
	var (
		result   history.History
		appended bool
		previous string
	)

	err := t.update(ctx, st, slot, "observe", func(prior history.History) (history.History, bool) {
		if latest, ok := prior.Latest(); ok {
			previous = latest.IP
		}
		result, appended = history.Reconcile(prior, info, now, t.Location)
		result = history.Trim(result, t.MaxEntries)
		return result, len(result) > 0
	})

	if err != nil {
		if result == nil {
			// the store never produced a prior; render what this request saw
			result, appended = history.Reconcile(nil, info, now, t.Location)
		}
		return result, appended, err
	}

	if appended {
		t.Metrics.IncrementObservations("appended")
		t.notify(slot, result[0], previous, now)
	} else {
		t.Metrics.IncrementObservations("unchanged")
	}
	return result, appended, nil
}

// Clear collapses the slot's history to its newest entry.
func (t *Tracker) Clear(ctx context.Context, st store.Store, slot Slot) (history.History, error) {
	var result history.History
	err := t.update(ctx, st, slot, "clear", func(prior history.History) (history.History, bool) {
		result = history.Clear(history.Migrate(prior))
		return result, len(result) > 0
	})
	if result == nil {
		result = history.History{}
	}
	return result, err
}

// Load reads the slot without reconciling. Missing or unreadable slots
// yield an empty history.
func (t *Tracker) Load(ctx context.Context, st store.Store, slot Slot) (history.History, error) {
	start := time.Now()
	b, err := st.Get(ctx, slot.Key)
	t.Metrics.ObserveStoreLatency(st.Name(), "get", time.Since(start))
	if errors.Is(err, store.ErrNotFound) {
		return history.History{}, nil
	}
	if errors.Is(err, store.ErrInvalidValue) {
		log.WithField("store", st.Name()).Warnf("discarding unreadable history: %v", err)
		return history.History{}, nil
	}
	if err != nil {
		t.storeFailed(st, slot, "get", err)
		return history.History{}, err
	}
	return t.decode(st, slot, b), nil
}

// update runs fn inside one Store.Update so reading and writing the slot
// happen under whatever atomicity the backend provides.
func (t *Tracker) update(ctx context.Context, st store.Store, slot Slot, op string, fn func(history.History) (history.History, bool)) error {
	start := time.Now()
	err := st.Update(ctx, slot.Key, func(current []byte, found bool) ([]byte, error) {
		var prior history.History
		if found {
			prior = t.decode(st, slot, current)
		}
		next, write := fn(prior)
		if !write {
			return nil, nil
		}
		return history.Encode(next)
	})
	t.Metrics.ObserveStoreLatency(st.Name(), op, time.Since(start))
	if err != nil {
		t.storeFailed(st, slot, op, err)
		return fmt.Errorf("%s %s: %w", st.Name(), op, err)
	}
	return nil
}

func (t *Tracker) decode(st store.Store, slot Slot, b []byte) history.History {
	h, err := history.Decode(b)
	if err != nil {
		log.WithFields(log.Fields{
			"store":  st.Name(),
			"client": hashClient(slot.Client),
		}).Warnf("discarding unreadable history: %v", err)
		return history.History{}
	}
	return h
}

func (t *Tracker) storeFailed(st store.Store, slot Slot, op string, err error) {
	t.Metrics.IncrementStoreErrors(st.Name(), op)
	log.WithFields(log.Fields{
		"store":  st.Name(),
		"op":     op,
		"client": hashClient(slot.Client),
	}).Errorf("history store failed: %v", err)
}

func (t *Tracker) notify(slot Slot, e history.Entry, previous string, now time.Time) {
	if t.Notify == nil {
		return
	}
	t.Notify(history.Change{
		ID:         uuid.NewString(),
		TS:         now.UTC().Format(time.RFC3339),
		Client:     hashClient(slot.Client),
		IP:         e.IP,
		PreviousIP: previous,
		Source:     e.Source,
		Date:       e.Date,
	})
}

// hashClient keeps raw client ids out of logs and change feeds.
func hashClient(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
