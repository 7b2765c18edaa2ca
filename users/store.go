// Package users provides durable storage of user records: identity,
// credential hash, role and display preferences.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/jmcleod/warden/storage"
)

const usersBucket = "users"

const (
	DefaultLang  = "en"
	DefaultTheme = "light"
)

// Themes are the display themes a user may choose.
var Themes = []string{"light", "dark"}

// DefaultLanguages are the interface languages offered when none are
// configured.
var DefaultLanguages = []language.Tag{language.English, language.Arabic}

// Record is the persisted state of one user.
type Record struct {
	Username string `json:"username"`
	// PasswordHash is an opaque one-way digest. It is never encoded when a
	// Record is marshalled.
	PasswordHash   string    `json:"-"`
	Role           Role      `json:"role"`
	PreferredLang  string    `json:"preferred_lang"`
	PreferredTheme string    `json:"preferred_theme"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// row is the storage encoding of a Record.
type row struct {
	Username       string    `json:"username"`
	PasswordHash   string    `json:"password_hash"`
	Role           Role      `json:"role"`
	PreferredLang  string    `json:"preferred_lang"`
	PreferredTheme string    `json:"preferred_theme"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r row) record() *Record {
	return &Record{
		Username:       r.Username,
		PasswordHash:   r.PasswordHash,
		Role:           r.Role,
		PreferredLang:  r.PreferredLang,
		PreferredTheme: r.PreferredTheme,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// Hasher produces one-way password digests.
type Hasher interface {
	Hash(password string) (string, error)
}

// Store is the user record store. It is safe for concurrent use; atomicity
// per username is delegated to the repository.
type Store struct {
	repo      storage.Repository
	hasher    Hasher
	logger    *slog.Logger
	now       func() time.Time
	languages []language.Tag
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLanguages restricts preferred languages to tags. An empty list keeps
// DefaultLanguages. DefaultLang is always accepted.
func WithLanguages(tags ...language.Tag) Option {
	return func(s *Store) {
		if len(tags) > 0 {
			s.languages = tags
		}
	}
}

// NewStore returns a Store persisting to repo and hashing with hasher.
func NewStore(repo storage.Repository, hasher Hasher, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		hasher:    hasher,
		now:       time.Now,
		languages: DefaultLanguages,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "users")
	return s
}

// NormalizeUsername trims surrounding whitespace and applies Unicode NFC so
// visually identical names map to one key. Case is preserved.
func NormalizeUsername(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// EnsureReady creates the backing storage if absent. It is idempotent.
// Any failure is reported as ErrStorageUnavailable.
func (s *Store) EnsureReady(ctx context.Context) error {
	if err := s.repo.EnsureBucket(ctx, usersBucket); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Create registers a new user with default preferences. Under concurrent
// calls for the same username exactly one succeeds; the others observe
// ErrUsernameExists.
func (s *Store) Create(ctx context.Context, username, password string, role Role) (*Record, error) {
	username = NormalizeUsername(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrValidation)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: invalid role %s", ErrValidation, role)
	}

	// Cheap pre-check so a taken name does not pay for a hash. The
	// authoritative check is the atomic Create below.
	if _, err := s.repo.Get(ctx, usersBucket, username); err == nil {
		return nil, fmt.Errorf("%s: %w", username, ErrUsernameExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("checking user %s: %w", username, err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	now := s.now().UTC()
	r := row{
		Username:       username,
		PasswordHash:   hash,
		Role:           role,
		PreferredLang:  DefaultLang,
		PreferredTheme: DefaultTheme,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, usersBucket, username, data); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, fmt.Errorf("%s: %w", username, ErrUsernameExists)
		}
		return nil, fmt.Errorf("creating user %s: %w", username, err)
	}
	s.logger.InfoContext(ctx, "user created",
		slog.String("username", username),
		slog.String("role", role.String()))
	return r.record(), nil
}

// Get returns the record for username, or ErrUserNotFound.
func (s *Store) Get(ctx context.Context, username string) (*Record, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return nil, ErrUserNotFound
	}
	data, err := s.repo.Get(ctx, usersBucket, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
		}
		return nil, fmt.Errorf("loading user %s: %w", username, err)
	}
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", username, err)
	}
	return r.record(), nil
}

// Languages returns the accepted preferred languages.
func (s *Store) Languages() []language.Tag {
	return s.languages
}

// UpdatePrefs overwrites the preferred language and theme of an existing
// user and returns the updated record. lang must be one of the store's
// languages and is stored in canonical form; theme must be one of Themes.
func (s *Store) UpdatePrefs(ctx context.Context, username, lang, theme string) (*Record, error) {
	username = NormalizeUsername(username)
	tag, ok := s.matchLanguage(lang)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported language %q", ErrValidation, lang)
	}
	theme = strings.ToLower(strings.TrimSpace(theme))
	if !slices.Contains(Themes, theme) {
		return nil, fmt.Errorf("%w: unsupported theme %q", ErrValidation, theme)
	}

	var updated row
	err := s.repo.Update(ctx, usersBucket, username, func(current []byte) ([]byte, error) {
		if err := json.Unmarshal(current, &updated); err != nil {
			return nil, fmt.Errorf("decoding user %s: %w", username, err)
		}
		updated.PreferredLang = tag.String()
		updated.PreferredTheme = theme
		updated.UpdatedAt = s.now().UTC()
		return json.Marshal(updated)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
		}
		return nil, fmt.Errorf("updating preferences for %s: %w", username, err)
	}
	return updated.record(), nil
}

// matchLanguage parses lang and reports the configured tag it names exactly.
func (s *Store) matchLanguage(lang string) (language.Tag, bool) {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		return language.Und, false
	}
	if tag.String() == DefaultLang {
		return tag, true
	}
	for _, supported := range s.languages {
		if tag == supported {
			return tag, true
		}
	}
	return language.Und, false
}
