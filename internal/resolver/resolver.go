// Package resolver works out the public IP address of the caller.
//
// Proxy headers are consulted in a fixed order:
//  1. X-Forwarded-For (first token of the comma separated list)
//  2. X-Real-IP
//  3. CF-Connecting-IP
//
// When none is present the resolver can optionally use the connection's
// remote address, and otherwise asks an external lookup service
// (api.ipify.org by default). Resolve never returns an error: failures
// become the "Unknown"/"none" or "Error"/"error" placeholders.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shortontech/iptrace/internal/history"
)

// DefaultLookupURL is the public IP service used when no header is present.
const DefaultLookupURL = "https://api.ipify.org?format=json"

// maxLookupBody caps how much of the lookup response is read.
const maxLookupBody = 4 << 10

var headerOrder = []struct {
	header string
	source string
}{
	{"X-Forwarded-For", history.SourceForwardedFor},
	{"X-Real-IP", history.SourceRealIP},
	{"CF-Connecting-IP", history.SourceCFConnecting},
}

// Locator maps an address to a human readable location.
type Locator interface {
	Locate(ip string) (string, error)
}

// Options configure a Resolver.
type Options struct {
	LookupURL          string
	LookupTimeout      time.Duration // 0 leaves the client without a timeout
	RemoteAddrFallback bool
	Client             *http.Client
	Locator            Locator
}

type Resolver struct {
	lookupURL  string
	remoteAddr bool
	client     *http.Client
	locator    Locator
}

func New(opts Options) *Resolver {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.LookupTimeout}
	}
	url := opts.LookupURL
	if url == "" {
		url = DefaultLookupURL
	}
	return &Resolver{
		lookupURL:  url,
		remoteAddr: opts.RemoteAddrFallback,
		client:     client,
		locator:    opts.Locator,
	}
}

// Resolve returns the caller's address for a request.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) history.IPInfo {
	info := r.resolve(ctx, req)
	if r.locator != nil && info.Source != history.SourceNone && info.Source != history.SourceError {
		loc, err := r.locator.Locate(info.IP)
		if err != nil {
			log.WithField("ip", info.IP).Debugf("resolver: location lookup failed: %v", err)
		} else {
			info.Location = loc
		}
	}
	return info
}

func (r *Resolver) resolve(ctx context.Context, req *http.Request) (info history.IPInfo) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("resolver: unexpected failure: %v", rec)
			info = history.IPInfo{IP: history.ErrorIP, Source: history.SourceError}
		}
	}()

	if ip, source, ok := FromHeaders(req.Header); ok {
		return history.IPInfo{IP: ip, Source: source}
	}
	if r.remoteAddr {
		if ip := remoteHost(req.RemoteAddr); ip != "" {
			return history.IPInfo{IP: ip, Source: history.SourceRemoteAddr}
		}
	}
	return r.Lookup(ctx)
}

// FromHeaders applies the header priority. Only the first token of a
// header value is used and an empty token counts as absent.
func FromHeaders(h http.Header) (ip, source string, ok bool) {
	for _, c := range headerOrder {
		v := h.Get(c.header)
		if v == "" {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first, c.source, true
		}
	}
	return "", "", false
}

type lookupResponse struct {
	IP string `json:"ip"`
}

// Lookup asks the external service for the public address. It issues one
// request with caching disabled and no retry.
func (r *Resolver) Lookup(ctx context.Context) history.IPInfo {
	ip, err := r.lookup(ctx)
	if err != nil {
		log.WithField("url", r.lookupURL).Warnf("resolver: fallback lookup failed: %v", err)
		return history.IPInfo{IP: history.UnknownIP, Source: history.SourceNone}
	}
	return history.IPInfo{IP: ip, Source: history.SourceLookup}
}

func (r *Resolver) lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.lookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLookupBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	ip := strings.TrimSpace(body.IP)
	if ip == "" {
		return "", fmt.Errorf("response carried no ip")
	}
	return ip, nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(addr)
}
