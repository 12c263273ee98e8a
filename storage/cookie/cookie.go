// Package cookie provides a storage.Store that keeps values as cookies in an
// http.CookieJar scoped to the backend's origin. The same jar is installed
// on the API client, so a value written here travels with every request to
// the backend.
package cookie

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/jmcleod/warden/storage"
)

// Store implements storage.Store on top of an http.CookieJar. Values that
// are valid cookie values are stored verbatim, so the backend reads exactly
// what was written; anything else is base64url-encoded behind a marker.
type Store struct {
	jar    http.CookieJar
	origin *url.URL
	secure bool

	mu      sync.Mutex
	expires map[string]time.Time // names written through Set; zero means no expiry
}

var _ storage.Store = (*Store)(nil)

// New returns a Store whose cookies are scoped to baseURL. A nil jar creates
// a fresh jar using the public suffix list.
func New(baseURL string, jar http.CookieJar) (*Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing cookie origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("cookie origin %q: %w", baseURL, storage.ErrUnavailable)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("cookie origin %q has no host: %w", baseURL, storage.ErrUnavailable)
	}
	if jar == nil {
		jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
	}
	origin := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	return &Store{
		jar:     jar,
		origin:  origin,
		secure:  u.Scheme == "https",
		expires: make(map[string]time.Time),
	}, nil
}

// encodedPrefix marks a value that was base64url-encoded because it is not
// a valid cookie value as written.
const encodedPrefix = "b64~"

// cookieSafe reports whether v can be sent verbatim as a cookie value
// (RFC 6265 cookie-octet) without being mistaken for an encoded value.
func cookieSafe(v string) bool {
	if strings.HasPrefix(v, encodedPrefix) {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c <= 0x20 || c >= 0x7f || c == '"' || c == ',' || c == ';' || c == '\\' {
			return false
		}
	}
	return true
}

func encodeValue(v string) string {
	if cookieSafe(v) {
		return v
	}
	return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(v))
}

func decodeValue(v string) (string, error) {
	rest, ok := strings.CutPrefix(v, encodedPrefix)
	if !ok {
		return v, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Jar returns the cookie jar backing the store.
func (s *Store) Jar() http.CookieJar { return s.jar }

func (s *Store) Get(key string) (string, error) {
	for _, c := range s.jar.Cookies(s.origin) {
		if c.Name != key {
			continue
		}
		v, err := decodeValue(c.Value)
		if err != nil {
			return "", fmt.Errorf("decoding cookie %s: %w", key, err)
		}
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
}

func (s *Store) Set(key, value string, maxAge time.Duration) error {
	c := &http.Cookie{
		Name:     key,
		Value:    encodeValue(value),
		Path:     "/",
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	var exp time.Time
	if maxAge > 0 {
		secs := int(maxAge / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.MaxAge = secs
		exp = time.Now().Add(time.Duration(secs) * time.Second)
	}
	s.jar.SetCookies(s.origin, []*http.Cookie{c})
	s.mu.Lock()
	s.expires[key] = exp
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(key string) error {
	s.jar.SetCookies(s.origin, []*http.Cookie{{
		Name:    key,
		Value:   "",
		Path:    "/",
		Secure:  s.secure,
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	}})
	s.mu.Lock()
	delete(s.expires, key)
	s.mu.Unlock()
	return nil
}

type savedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

// Export serialises the cookies written through this store that are still
// held by the jar. Import on a later process restores them, which gives the
// in-memory jar the lifetime of a browser's cookie store.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := []savedCookie{}
	for _, c := range s.jar.Cookies(s.origin) {
		exp, ok := s.expires[c.Name]
		if !ok {
			continue
		}
		saved = append(saved, savedCookie{Name: c.Name, Value: c.Value, Expires: exp})
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("encoding cookies: %w", err)
	}
	return data, nil
}

// Import restores cookies produced by Export. Cookies whose expiry has
// passed are skipped.
func (s *Store) Import(data []byte) error {
	var saved []savedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decoding cookies: %w", err)
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range saved {
		if !sc.Expires.IsZero() && !sc.Expires.After(now) {
			continue
		}
		c := &http.Cookie{
			Name:     sc.Name,
			Value:    sc.Value,
			Path:     "/",
			Secure:   s.secure,
			SameSite: http.SameSiteLaxMode,
			Expires:  sc.Expires,
		}
		s.jar.SetCookies(s.origin, []*http.Cookie{c})
		s.expires[sc.Name] = sc.Expires
	}
	return nil
}
