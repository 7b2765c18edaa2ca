package session

// Cookie keys read and written by the Manager.
const (
	CookieSession = "session"
	CookieLang    = "lang"
	CookieTheme   = "theme"
)

// CookieJar is the client-held persistent store the Manager reads and
// writes. Implementations own encryption and transport; Set calls are only
// durable once Save returns nil.
type CookieJar interface {
	// Ready reports whether the jar has been loaded from the client.
	Ready() bool
	Get(key, def string) string
	Set(key, value string)
	// Save flushes pending writes to the client.
	Save() error
}
