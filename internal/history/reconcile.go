package history

import "time"

// Migrate returns a copy of h where entries without a source are labelled
// "unknown". IP and date are left as they are.
func Migrate(h History) History {
	out := make(History, len(h))
	for i, e := range h {
		if e.Source == "" {
			e.Source = SourceUnknown
		}
		out[i] = e
	}
	return out
}

// NewEntry builds the entry recorded for info observed at now.
func NewEntry(info IPInfo, now time.Time, loc *time.Location) Entry {
	src := info.Source
	if src == "" {
		src = SourceUnknown
	}
	return Entry{
		IP:     info.IP,
		Date:   FormatDate(now, loc),
		Source: src,
	}
}

// Reconcile merges a freshly resolved address into the prior history.
// A new entry is prepended when the history is empty or its newest IP
// differs from info.IP; the source alone never triggers an append.
// The returned bool reports whether an entry was added.
func Reconcile(prior History, info IPInfo, now time.Time, loc *time.Location) (History, bool) {
	migrated := Migrate(prior)
	if latest, ok := migrated.Latest(); ok && latest.IP == info.IP {
		return migrated, false
	}
	next := make(History, 0, len(migrated)+1)
	next = append(next, NewEntry(info, now, loc))
	next = append(next, migrated...)
	return next, true
}

// Clear collapses h to its newest entry.
func Clear(h History) History {
	if len(h) == 0 {
		return History{}
	}
	return History{h[0]}
}

// Trim keeps the newest n entries. n <= 0 means no bound.
func Trim(h History, n int) History {
	if n <= 0 || len(h) <= n {
		return h
	}
	return h[:n]
}
