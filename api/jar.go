package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

const cookiePrefix = "warden_"

var errResponseCommitted = errors.New("response headers already written")

// httpJar is a session.CookieJar over one request/response pair. Values are
// read from the request; Set calls are buffered and Save emits Set-Cookie
// headers, which only works before the handler writes its response.
type httpJar struct {
	w        *responseWriter
	secure   bool
	lifetime time.Duration

	mu      sync.Mutex
	values  map[string]string
	pending map[string]string
}

func newHTTPJar(w *responseWriter, r *http.Request, lifetime time.Duration) *httpJar {
	j := &httpJar{
		w:        w,
		secure:   requestIsSecure(r),
		lifetime: lifetime,
		values:   make(map[string]string),
		pending:  make(map[string]string),
	}
	for _, c := range r.Cookies() {
		if key, ok := strings.CutPrefix(c.Name, cookiePrefix); ok && c.Value != "" {
			j.values[key] = c.Value
		}
	}
	return j
}

// Ready is always true: the request's cookies are available up front.
func (j *httpJar) Ready() bool { return true }

func (j *httpJar) Get(key, def string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if v, ok := j.values[key]; ok && v != "" {
		return v
	}
	return def
}

func (j *httpJar) Set(key, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.values[key] = value
	j.pending[key] = value
}

func (j *httpJar) Save() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		return nil
	}
	if j.w.committed() {
		return errResponseCommitted
	}
	for key, value := range j.pending {
		name := cookiePrefix + key
		dropSetCookie(j.w.Header(), name)
		c := &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
			Secure:   j.secure,
			SameSite: http.SameSiteLaxMode,
		}
		if value == "" {
			c.Expires = time.Unix(0, 0)
			c.MaxAge = -1
		} else {
			c.MaxAge = int(j.lifetime.Seconds())
		}
		http.SetCookie(j.w, c)
	}
	clear(j.pending)
	return nil
}

// dropSetCookie removes any earlier Set-Cookie header for name so the last
// Save in a request wins.
func dropSetCookie(h http.Header, name string) {
	existing := h.Values("Set-Cookie")
	if len(existing) == 0 {
		return
	}
	kept := existing[:0:0]
	for _, v := range existing {
		if !strings.HasPrefix(v, name+"=") {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
}

// responseWriter records whether the response has been committed.
type responseWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseWriter) committed() bool {
	return w.wrote
}
