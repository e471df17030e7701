package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shortontech/iptrace/internal/history"
	"github.com/shortontech/iptrace/internal/store"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTracker(changes *[]history.Change) *Tracker {
	var mu sync.Mutex
	return &Tracker{
		Now:      func() time.Time { return fixedNow },
		Location: time.UTC,
		Notify: func(c history.Change) {
			mu.Lock()
			defer mu.Unlock()
			*changes = append(*changes, c)
		},
	}
}

func seedSlot(t *testing.T, st store.Store, key, value string) {
	t.Helper()
	err := st.Update(context.Background(), key, func([]byte, bool) ([]byte, error) {
		return []byte(value), nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func stored(t *testing.T, st store.Store, key string) history.History {
	t.Helper()
	b, err := st.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	h, err := history.Decode(b)
	if err != nil {
		t.Fatalf("stored value is not a history: %v", err)
	}
	return h
}

type failingStore struct {
	err error
}

func (f *failingStore) Name() string { return "failing" }

func (f *failingStore) Close() error { return nil }

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) { return nil, f.err }

func (f *failingStore) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	return f.err
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	slot := Slot{Key: "ipHistory", Client: "client-1"}

	t.Run("seeds an empty slot", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		st := store.NewMemoryStore()

		h, appended, err := tr.Observe(ctx, st, slot, history.IPInfo{IP: "203.0.113.5", Source: history.SourceForwardedFor})
		if err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
		if !appended || len(h) != 1 {
			t.Fatalf("appended = %v, len = %d, want true, 1", appended, len(h))
		}
		want := history.Entry{IP: "203.0.113.5", Date: "3/14/2026, 3:09:26 PM", Source: history.SourceForwardedFor}
		if h[0] != want {
			t.Errorf("entry = %+v, want %+v", h[0], want)
		}
		if got := stored(t, st, "ipHistory"); len(got) != 1 || got[0] != want {
			t.Errorf("stored = %+v", got)
		}

		if len(changes) != 1 {
			t.Fatalf("changes = %d, want 1", len(changes))
		}
		c := changes[0]
		if c.IP != "203.0.113.5" || c.PreviousIP != "" || c.Source != history.SourceForwardedFor {
			t.Errorf("change = %+v", c)
		}
		if c.ID == "" || c.TS != "2026-03-14T15:09:26Z" {
			t.Errorf("change id/ts = %q/%q", c.ID, c.TS)
		}
		if c.Client == "" || c.Client == "client-1" {
			t.Errorf("client should be hashed, got %q", c.Client)
		}
	})

	t.Run("same ip is idempotent", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		st := store.NewMemoryStore()
		info := history.IPInfo{IP: "203.0.113.5", Source: history.SourceRealIP}

		for i := 0; i < 3; i++ {
			if _, _, err := tr.Observe(ctx, st, slot, info); err != nil {
				t.Fatalf("Observe() error = %v", err)
			}
		}
		if got := stored(t, st, "ipHistory"); len(got) != 1 {
			t.Errorf("stored length = %d, want 1", len(got))
		}
		if len(changes) != 1 {
			t.Errorf("changes = %d, want 1", len(changes))
		}
	})

	t.Run("new ip is prepended", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		st := store.NewMemoryStore()
		seedSlot(t, st, "ipHistory", `[{"ip":"203.0.113.5","date":"1/1/2026, 9:00:00 AM","source":"x-real-ip"}]`)

		h, appended, err := tr.Observe(ctx, st, slot, history.IPInfo{IP: "198.51.100.7", Source: history.SourceLookup})
		if err != nil || !appended {
			t.Fatalf("Observe() = %v, %v", appended, err)
		}
		if len(h) != 2 || h[0].IP != "198.51.100.7" || h[1].IP != "203.0.113.5" {
			t.Errorf("history = %+v", h)
		}
		if len(changes) != 1 || changes[0].PreviousIP != "203.0.113.5" {
			t.Errorf("changes = %+v", changes)
		}
	})

	t.Run("legacy entries are migrated and persisted", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		st := store.NewMemoryStore()
		seedSlot(t, st, "ipHistory", `[{"ip":"203.0.113.5","date":"1/1/2026, 9:00:00 AM"}]`)

		h, appended, err := tr.Observe(ctx, st, slot, history.IPInfo{IP: "203.0.113.5", Source: history.SourceForwardedFor})
		if err != nil || appended {
			t.Fatalf("Observe() = %v, %v", appended, err)
		}
		if h[0].Source != history.SourceUnknown {
			t.Errorf("source = %q, want unknown", h[0].Source)
		}
		if got := stored(t, st, "ipHistory"); got[0].Source != history.SourceUnknown {
			t.Errorf("stored source = %q, want unknown", got[0].Source)
		}
		if len(changes) != 0 {
			t.Errorf("changes = %d, want 0", len(changes))
		}
	})

	t.Run("corrupt slot is treated as empty", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		st := store.NewMemoryStore()
		seedSlot(t, st, "ipHistory", `{not json`)

		h, appended, err := tr.Observe(ctx, st, slot, history.IPInfo{IP: "203.0.113.5", Source: history.SourceRealIP})
		if err != nil || !appended || len(h) != 1 {
			t.Fatalf("Observe() = %+v, %v, %v", h, appended, err)
		}
		if got := stored(t, st, "ipHistory"); len(got) != 1 {
			t.Errorf("stored length = %d, want 1", len(got))
		}
	})

	t.Run("max entries bounds the history", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		tr.MaxEntries = 2
		st := store.NewMemoryStore()

		for _, ip := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
			if _, _, err := tr.Observe(ctx, st, slot, history.IPInfo{IP: ip, Source: history.SourceRealIP}); err != nil {
				t.Fatalf("Observe() error = %v", err)
			}
		}
		got := stored(t, st, "ipHistory")
		if len(got) != 2 || got[0].IP != "192.0.2.3" || got[1].IP != "192.0.2.2" {
			t.Errorf("stored = %+v", got)
		}
	})

	t.Run("store failure still returns the reconciled history", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		boom := errors.New("connection refused")
		st := &failingStore{err: boom}

		h, appended, err := tr.Observe(ctx, st, slot, history.IPInfo{IP: "203.0.113.5", Source: history.SourceRealIP})
		if !errors.Is(err, boom) {
			t.Errorf("error = %v, want wrapped %v", err, boom)
		}
		if !appended || len(h) != 1 || h[0].IP != "203.0.113.5" {
			t.Errorf("history = %+v, appended = %v", h, appended)
		}
		if len(changes) != 0 {
			t.Errorf("failed writes must not notify, got %d changes", len(changes))
		}
	})

	t.Run("concurrent observers keep every change", func(t *testing.T) {
		var changes []history.Change
		tr := newTracker(&changes)
		st := store.NewMemoryStore()
		ips := []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4"}

		var wg sync.WaitGroup
		for _, ip := range ips {
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				_, _, _ = tr.Observe(ctx, st, slot, history.IPInfo{IP: ip, Source: history.SourceRealIP})
			}(ip)
		}
		wg.Wait()

		if got := stored(t, st, "ipHistory"); len(got) != len(ips) {
			t.Errorf("stored length = %d, want %d", len(got), len(ips))
		}
	})
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	slot := Slot{Key: "k", Client: "c"}
	var changes []history.Change
	tr := newTracker(&changes)

	t.Run("keeps the newest entry", func(t *testing.T) {
		st := store.NewMemoryStore()
		seedSlot(t, st, "k", `[{"ip":"c","date":"3"},{"ip":"b","date":"2","source":"x-real-ip"},{"ip":"a","date":"1"}]`)

		h, err := tr.Clear(ctx, st, slot)
		if err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		want := history.Entry{IP: "c", Date: "3", Source: history.SourceUnknown}
		if len(h) != 1 || h[0] != want {
			t.Errorf("history = %+v, want [%+v]", h, want)
		}
		if got := stored(t, st, "k"); len(got) != 1 || got[0] != want {
			t.Errorf("stored = %+v", got)
		}
	})

	t.Run("empty slot is not written", func(t *testing.T) {
		st := store.NewMemoryStore()
		h, err := tr.Clear(ctx, st, slot)
		if err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if h == nil || len(h) != 0 {
			t.Errorf("history = %#v, want empty", h)
		}
		if st.Len() != 0 {
			t.Errorf("store has %d slots, want 0", st.Len())
		}
	})

	t.Run("store failure", func(t *testing.T) {
		boom := errors.New("down")
		h, err := tr.Clear(ctx, &failingStore{err: boom}, slot)
		if !errors.Is(err, boom) || len(h) != 0 {
			t.Errorf("Clear() = %+v, %v", h, err)
		}
	})
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	slot := Slot{Key: "k", Client: "c"}
	tr := &Tracker{}

	t.Run("missing slot", func(t *testing.T) {
		h, err := tr.Load(ctx, store.NewMemoryStore(), slot)
		if err != nil || len(h) != 0 {
			t.Errorf("Load() = %+v, %v", h, err)
		}
	})

	t.Run("returns stored entries as stored", func(t *testing.T) {
		st := store.NewMemoryStore()
		seedSlot(t, st, "k", `[{"ip":"b","date":"2"},{"ip":"a","date":"1","source":"none"}]`)

		h, err := tr.Load(ctx, st, slot)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(h) != 2 || h[0].IP != "b" || h[1].Source != "none" {
			t.Errorf("history = %+v", h)
		}
	})

	t.Run("corrupt slot reads as empty", func(t *testing.T) {
		st := store.NewMemoryStore()
		seedSlot(t, st, "k", `null`)
		h, err := tr.Load(ctx, st, slot)
		if err != nil || len(h) != 0 {
			t.Errorf("Load() = %+v, %v", h, err)
		}
	})

	t.Run("store failure is returned", func(t *testing.T) {
		boom := errors.New("down")
		if _, err := tr.Load(ctx, &failingStore{err: boom}, slot); !errors.Is(err, boom) {
			t.Errorf("Load() error = %v", err)
		}
	})
}

func TestHashClient(t *testing.T) {
	if hashClient("") != "" {
		t.Error("empty id should hash to empty")
	}
	a, b := hashClient("client-a"), hashClient("client-b")
	if a == b || len(a) != 16 {
		t.Errorf("hashClient = %q, %q", a, b)
	}
	if hashClient("client-a") != a {
		t.Error("hashClient should be stable")
	}
}

func TestLoadTamperedCookie(t *testing.T) {
	tr := &Tracker{}
	st := &failingStore{err: fmt.Errorf("%w: signature mismatch", store.ErrInvalidValue)}
	h, err := tr.Load(context.Background(), st, Slot{Key: "ipHistory"})
	if err != nil || len(h) != 0 {
		t.Errorf("Load() = %+v, %v, want empty history", h, err)
	}
}
