package httpx

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shortontech/iptrace/internal/assets"
	"github.com/shortontech/iptrace/internal/history"
	"github.com/shortontech/iptrace/internal/metrics"
	"github.com/shortontech/iptrace/internal/store"
	"github.com/shortontech/iptrace/internal/tracker"
	cfg "github.com/shortontech/iptrace/pkg/config"
)

var pageTmpl = template.Must(template.New("index").Parse(assets.IndexHTML))

// IPResolver resolves the visitor address for a request.
type IPResolver interface {
	Resolve(ctx context.Context, r *http.Request) history.IPInfo
}

type Env struct {
	Cfg      cfg.Config
	Resolver IPResolver
	Tracker  *tracker.Tracker
	Store    store.Store // server-side backend; nil keeps history in a cookie
	Metrics  *metrics.Metrics
}

type pageData struct {
	Current history.IPInfo
	History history.History
}

type observeResponse struct {
	Current  history.IPInfo  `json:"current"`
	History  history.History `json:"history"`
	Appended bool            `json:"appended"`
}

// storeFor returns the backend for this request. The cookie backend is
// bound to the response so it must be created per request.
func (e Env) storeFor(w http.ResponseWriter, r *http.Request) store.Store {
	if e.Store != nil {
		return e.Store
	}
	return store.NewCookieStore(w, r, store.CookieOptions{
		Secret: []byte(e.Cfg.CookieSecret),
		Secure: e.Cfg.CookieSecure,
	})
}

func (e Env) slot(r *http.Request) tracker.Slot {
	client := ClientID(r.Context())
	if e.Store == nil {
		return tracker.Slot{Key: e.Cfg.HistoryCookie, Client: client}
	}
	return tracker.Slot{Key: client, Client: client}
}

func (e Env) resolve(r *http.Request) history.IPInfo {
	info := e.Resolver.Resolve(r.Context(), r)
	e.Metrics.IncrementResolutions(info.Source)
	return info
}

// observe resolves and reconciles. Store failures are already logged by
// the tracker; the reconciled history is rendered regardless.
func (e Env) observe(w http.ResponseWriter, r *http.Request) observeResponse {
	info := e.resolve(r)
	h, appended, _ := e.Tracker.Observe(r.Context(), e.storeFor(w, r), e.slot(r), info)
	return observeResponse{Current: info, History: h, Appended: appended}
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := e.Store.(store.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.WithField("store", e.Store.Name()).Warnf("readiness check failed: %v", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Page renders the current address and the reconciled history.
func (e Env) Page(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res := e.observe(w, r)

	noStore(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := pageTmpl.Execute(w, pageData{Current: res.Current, History: res.History}); err != nil {
		log.Errorf("page render failed: %v", err)
	}
}

// ClearForm is the no-script fallback for the Clear control.
func (e Env) ClearForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, _ = e.Tracker.Clear(r.Context(), e.storeFor(w, r), e.slot(r))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// CurrentIP reports the resolved address without touching history.
func (e Env) CurrentIP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, e.resolve(r))
}

// History serves GET (read only) and POST (reconcile) on /api/history.
func (e Env) History(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h, err := e.Tracker.Load(r.Context(), e.storeFor(w, r), e.slot(r))
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, h)
	case http.MethodPost:
		writeJSON(w, http.StatusOK, e.observe(w, r))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (e Env) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h, _ := e.Tracker.Clear(r.Context(), e.storeFor(w, r), e.slot(r))
	writeJSON(w, http.StatusOK, h)
}

func (e Env) Script(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(assets.TrackerJS)
	}
}

func noStore(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to write json response: %v", err)
	}
}
