package httpx

import (
	"net/http"
)

// routes served by NewMux; also the endpoint labels for metrics.
var routes = []string{
	"/",
	"/clear",
	"/api/ip",
	"/api/history",
	"/api/history/clear",
	"/assets/iptrace.js",
	"/healthz",
	"/readyz",
}

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)

	mux.HandleFunc("/", e.Page)
	mux.HandleFunc("/clear", e.ClearForm)
	mux.HandleFunc("/assets/iptrace.js", e.Script)

	mux.HandleFunc("/api/ip", e.CurrentIP)
	mux.HandleFunc("/api/history", e.History)
	mux.HandleFunc("/api/history/clear", e.ClearHistory)

	clientCookie := e.Cfg.ClientCookie
	if clientCookie == "" {
		clientCookie = "iptrace_client"
	}
	withClient := clientIDMiddleware(clientCookie, e.Cfg.CookieSecure, mux)

	return RequestLogger(MetricsMiddleware(e.Metrics)(cors(withClient)))
}
