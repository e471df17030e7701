package history

import "time"

// Source labels for resolved addresses.
const (
	SourceForwardedFor = "x-forwarded-for"
	SourceRealIP       = "x-real-ip"
	SourceCFConnecting = "cf-connecting-ip"
	SourceRemoteAddr   = "remote-addr"
	SourceLookup       = "ipify-api"
	SourceNone         = "none"
	SourceError        = "error"
	SourceUnknown      = "unknown"
)

// Placeholder addresses used when resolution yields nothing usable.
const (
	UnknownIP = "Unknown"
	ErrorIP   = "Error"
)

// DateLayout renders observation times the way en-US toLocaleString does.
const DateLayout = "1/2/2006, 3:04:05 PM"

// IPInfo is the address resolved for one request and where it came from.
type IPInfo struct {
	IP       string `json:"ip"`
	Source   string `json:"source"`
	Location string `json:"location,omitempty"` // display only, never persisted
}

// Entry is one recorded observation of an address.
type Entry struct {
	IP     string `json:"ip"`
	Date   string `json:"date"`
	Source string `json:"source,omitempty"`
}

// History is newest first. Order is insertion order and is never re-sorted.
type History []Entry

// Latest returns the newest entry, if any.
func (h History) Latest() (Entry, bool) {
	if len(h) == 0 {
		return Entry{}, false
	}
	return h[0], true
}

// Change describes an appended entry. It is what sinks receive.
type Change struct {
	ID         string `json:"id"`
	TS         string `json:"ts"`     // RFC3339
	Client     string `json:"client"` // hashed slot key
	IP         string `json:"ip"`
	PreviousIP string `json:"previous_ip,omitempty"`
	Source     string `json:"source"`
	Date       string `json:"date"`
}

// FormatDate renders t in loc (local time when loc is nil).
func FormatDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DateLayout)
}
