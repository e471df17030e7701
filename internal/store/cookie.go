package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxCookieValue keeps the whole Set-Cookie line under the 4096 byte limit
// browsers apply per cookie.
const maxCookieValue = 3800

// DefaultCookieMaxAge approximates "never expires".
const DefaultCookieMaxAge = 10 * 365 * 24 * time.Hour

// CookieOptions configure the client-side backend.
type CookieOptions struct {
	Secret []byte // HMAC-SHA256 key; values are unsigned when empty
	Secure bool
	MaxAge time.Duration
	Path   string
}

// CookieStore keeps the slot in a cookie on the visitor's browser. It is
// bound to one request/response pair; writes are also visible to later
// reads within the same request.
type CookieStore struct {
	w       http.ResponseWriter
	r       *http.Request
	opts    CookieOptions
	pending map[string][]byte
}

func NewCookieStore(w http.ResponseWriter, r *http.Request, opts CookieOptions) *CookieStore {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultCookieMaxAge
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	return &CookieStore{w: w, r: r, opts: opts, pending: map[string][]byte{}}
}

func (c *CookieStore) Name() string { return "cookie" }

func (c *CookieStore) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.pending[key]; ok {
		return append([]byte(nil), v...), nil
	}
	ck, err := c.r.Cookie(key)
	if err != nil || ck.Value == "" {
		return nil, ErrNotFound
	}
	return c.decode(key, ck.Value)
}

func (c *CookieStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	cur, err := c.Get(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.WithField("cookie", key).Warnf("store: discarding cookie value: %v", err)
		cur = nil
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	value := c.encode(key, next)
	if len(value) > maxCookieValue {
		return fmt.Errorf("%w: %d bytes encoded", ErrValueTooLarge, len(value))
	}
	http.SetCookie(c.w, &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     c.opts.Path,
		MaxAge:   int(c.opts.MaxAge / time.Second),
		Expires:  time.Now().Add(c.opts.MaxAge),
		HttpOnly: true,
		Secure:   c.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.pending[key] = append([]byte(nil), next...)
	return nil
}

func (c *CookieStore) Close() error { return nil }

// encode renders base64url(payload), followed by "." and the hex MAC when a
// secret is configured.
func (c *CookieStore) encode(key string, payload []byte) string {
	enc := base64.RawURLEncoding.EncodeToString(payload)
	if len(c.opts.Secret) == 0 {
		return enc
	}
	return enc + "." + c.sign(key, enc)
}

func (c *CookieStore) decode(key, value string) ([]byte, error) {
	enc := value
	if len(c.opts.Secret) > 0 {
		var mac string
		var ok bool
		enc, mac, ok = strings.Cut(value, ".")
		if !ok {
			return nil, fmt.Errorf("%w: missing signature", ErrInvalidValue)
		}
		if !hmac.Equal([]byte(mac), []byte(c.sign(key, enc))) {
			return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidValue)
		}
	}
	payload, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return payload, nil
}

// sign binds the MAC to the cookie name so values cannot be moved between
// slots.
func (c *CookieStore) sign(key, enc string) string {
	mac := hmac.New(sha256.New, c.opts.Secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'|'})
	mac.Write([]byte(enc))
	return hex.EncodeToString(mac.Sum(nil))
}
