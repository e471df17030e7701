package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shortontech/iptrace/internal/history"
	"github.com/shortontech/iptrace/internal/store"
	"github.com/shortontech/iptrace/internal/tracker"
	"github.com/shortontech/iptrace/pkg/config"
)

type fakeResolver struct {
	info history.IPInfo
}

func (f *fakeResolver) Resolve(ctx context.Context, r *http.Request) history.IPInfo { return f.info }

type pingStore struct {
	*store.MemoryStore
	err error
}

func (p pingStore) Ping(ctx context.Context) error { return p.err }

func testEnv(st store.Store, ip string) (Env, *fakeResolver) {
	res := &fakeResolver{info: history.IPInfo{IP: ip, Source: history.SourceForwardedFor}}
	return Env{
		Cfg: config.Config{
			HistoryCookie: "ipHistory",
			ClientCookie:  "iptrace_client",
		},
		Resolver: res,
		Tracker: &tracker.Tracker{
			Now:      func() time.Time { return time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC) },
			Location: time.UTC,
		},
		Store: st,
	}, res
}

// withClient attaches a client id the way the middleware would.
func withClient(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), clientIDKey, id))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	Env{}.Healthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", w.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name  string
		store store.Store
		want  int
	}{
		{"cookie backend", nil, http.StatusOK},
		{"store without ping", store.NewMemoryStore(), http.StatusOK},
		{"healthy store", pingStore{MemoryStore: store.NewMemoryStore()}, http.StatusOK},
		{"unreachable store", pingStore{MemoryStore: store.NewMemoryStore(), err: errors.New("dial tcp: refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			Env{Store: tt.store}.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if w.Code != tt.want {
				t.Errorf("status code = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestPage(t *testing.T) {
	t.Run("renders current ip and highlights newest entry", func(t *testing.T) {
		st := store.NewMemoryStore()
		env, res := testEnv(st, "203.0.113.5")

		w := httptest.NewRecorder()
		env.Page(w, withClient(httptest.NewRequest(http.MethodGet, "/", nil), "c1"))

		res.info = history.IPInfo{IP: "198.51.100.7", Source: history.SourceRealIP, Location: "Berlin, Germany"}
		w = httptest.NewRecorder()
		env.Page(w, withClient(httptest.NewRequest(http.MethodGet, "/", nil), "c1"))

		if w.Code != http.StatusOK {
			t.Fatalf("status code = %d", w.Code)
		}
		if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
			t.Errorf("Cache-Control = %q, want no-store", cc)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("Content-Type = %q", ct)
		}
		body := w.Body.String()
		for _, want := range []string{
			`<strong id="current-ip">198.51.100.7</strong>`,
			`Berlin, Germany`,
			`<tr class="latest"><td>5/1/2026, 8:30:00 AM</td><td>198.51.100.7</td><td>x-real-ip</td></tr>`,
			`<td>203.0.113.5</td>`,
		} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q", want)
			}
		}
		if strings.Count(body, `class="latest"`) != 1 {
			t.Error("exactly one row should be highlighted")
		}
	})

	t.Run("escapes hostile header values", func(t *testing.T) {
		env, _ := testEnv(store.NewMemoryStore(), "<script>alert(1)</script>")
		w := httptest.NewRecorder()
		env.Page(w, withClient(httptest.NewRequest(http.MethodGet, "/", nil), "c1"))

		if strings.Contains(w.Body.String(), "<script>alert(1)</script>") {
			t.Error("ip must be html escaped")
		}
	})

	t.Run("unknown path is 404", func(t *testing.T) {
		env, _ := testEnv(store.NewMemoryStore(), "203.0.113.5")
		w := httptest.NewRecorder()
		env.Page(w, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status code = %d, want 404", w.Code)
		}
	})

	t.Run("rejects POST", func(t *testing.T) {
		env, _ := testEnv(store.NewMemoryStore(), "203.0.113.5")
		w := httptest.NewRecorder()
		env.Page(w, httptest.NewRequest(http.MethodPost, "/", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status code = %d, want 405", w.Code)
		}
	})
}

func TestEmptyHistoryPlaceholder(t *testing.T) {
	var buf strings.Builder
	if err := pageTmpl.Execute(&buf, pageData{Current: history.IPInfo{IP: history.UnknownIP, Source: history.SourceNone}}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No IP history found. Refresh the page when your IP changes.") {
		t.Error("empty history placeholder missing")
	}
}

func TestCurrentIP(t *testing.T) {
	st := store.NewMemoryStore()
	env, _ := testEnv(st, "203.0.113.5")

	w := httptest.NewRecorder()
	env.CurrentIP(w, withClient(httptest.NewRequest(http.MethodGet, "/api/ip", nil), "c1"))

	var got history.IPInfo
	decodeBody(t, w, &got)
	if got.IP != "203.0.113.5" || got.Source != history.SourceForwardedFor {
		t.Errorf("info = %+v", got)
	}
	if st.Len() != 0 {
		t.Error("/api/ip must not touch history")
	}
}

func TestHistoryAPI(t *testing.T) {
	st := store.NewMemoryStore()
	env, res := testEnv(st, "203.0.113.5")

	post := func() observeResponse {
		w := httptest.NewRecorder()
		env.History(w, withClient(httptest.NewRequest(http.MethodPost, "/api/history", nil), "c1"))
		if w.Code != http.StatusOK {
			t.Fatalf("POST status = %d", w.Code)
		}
		var out observeResponse
		decodeBody(t, w, &out)
		return out
	}

	first := post()
	if !first.Appended || len(first.History) != 1 {
		t.Errorf("first = %+v", first)
	}
	if again := post(); again.Appended || len(again.History) != 1 {
		t.Errorf("repeat = %+v", again)
	}
	res.info = history.IPInfo{IP: "198.51.100.7", Source: history.SourceLookup}
	changed := post()
	if !changed.Appended || len(changed.History) != 2 || changed.History[0].IP != "198.51.100.7" {
		t.Errorf("changed = %+v", changed)
	}

	w := httptest.NewRecorder()
	env.History(w, withClient(httptest.NewRequest(http.MethodGet, "/api/history", nil), "c1"))
	var stored history.History
	decodeBody(t, w, &stored)
	if len(stored) != 2 {
		t.Errorf("GET history = %+v", stored)
	}

	w = httptest.NewRecorder()
	env.History(w, withClient(httptest.NewRequest(http.MethodGet, "/api/history", nil), "someone-else"))
	decodeBody(t, w, &stored)
	if len(stored) != 0 {
		t.Errorf("other client sees %+v", stored)
	}

	w = httptest.NewRecorder()
	env.History(w, httptest.NewRequest(http.MethodDelete, "/api/history", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", w.Code)
	}
}

func TestClearHistory(t *testing.T) {
	st := store.NewMemoryStore()
	env, res := testEnv(st, "192.0.2.1")
	for _, ip := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
		res.info.IP = ip
		env.History(httptest.NewRecorder(), withClient(httptest.NewRequest(http.MethodPost, "/api/history", nil), "c1"))
	}

	w := httptest.NewRecorder()
	env.ClearHistory(w, withClient(httptest.NewRequest(http.MethodPost, "/api/history/clear", nil), "c1"))
	var h history.History
	decodeBody(t, w, &h)
	if len(h) != 1 || h[0].IP != "192.0.2.3" {
		t.Errorf("cleared = %+v", h)
	}

	w = httptest.NewRecorder()
	env.ClearHistory(w, httptest.NewRequest(http.MethodGet, "/api/history/clear", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestClearForm(t *testing.T) {
	env, _ := testEnv(store.NewMemoryStore(), "192.0.2.1")
	w := httptest.NewRecorder()
	env.ClearForm(w, withClient(httptest.NewRequest(http.MethodPost, "/clear", nil), "c1"))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status code = %d, want 303", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
}

func TestScript(t *testing.T) {
	w := httptest.NewRecorder()
	Env{}.Script(w, httptest.NewRequest(http.MethodGet, "/assets/iptrace.js", nil))

	if ct := w.Header().Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `cache: "no-store"`) || !strings.Contains(body, "location.reload()") {
		t.Error("script should refetch without cache and reload")
	}
}

func TestCookieBackendSlot(t *testing.T) {
	env, _ := testEnv(nil, "203.0.113.5")
	env.Cfg.CookieSecret = "s3cret"

	w := httptest.NewRecorder()
	env.History(w, withClient(httptest.NewRequest(http.MethodPost, "/api/history", nil), "c1"))

	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == "ipHistory" {
			found = true
			if !c.HttpOnly || !strings.Contains(c.Value, ".") {
				t.Errorf("history cookie = %+v", c)
			}
		}
	}
	if !found {
		t.Error("history cookie not set")
	}
}
