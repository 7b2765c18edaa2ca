package users

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/jmcleod/warden/credential"
	"github.com/jmcleod/warden/storage"
	"github.com/jmcleod/warden/storage/memory"
)

func newTestStore(t *testing.T) (*Store, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	hasher := credential.New(credential.Params{Time: 1, MemoryKiB: 1024, Parallelism: 1})
	s := NewStore(repo, hasher)
	require.NoError(t, s.EnsureReady(context.Background()))
	return s, repo
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := memory.NewRepository()
	s := NewStore(repo, credential.New(credential.Params{MemoryKiB: 1024}), WithClock(func() time.Time { return fixed }))
	require.NoError(t, s.EnsureReady(ctx))

	created, err := s.Create(ctx, "alice", "pw123", RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Username)
	assert.Equal(t, RoleEditor, created.Role)
	assert.Equal(t, DefaultLang, created.PreferredLang)
	assert.Equal(t, DefaultTheme, created.PreferredTheme)
	assert.Equal(t, fixed, created.CreatedAt)
	assert.NotEqual(t, "pw123", created.PasswordHash)

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestCreate_DuplicateLeavesOneRecord(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)

	_, err := s.Create(ctx, "alice", "pw123", RoleEditor)
	require.NoError(t, err)
	_, err = s.Create(ctx, "alice", "other", RoleAdmin)
	require.ErrorIs(t, err, ErrUsernameExists)

	ids, err := repo.List(ctx, usersBucket)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids)

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, got.Role, "losing create must not overwrite the winner")
}

func TestCreate_ConcurrentSameUsername(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const workers = 8
	var wins, exists atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, "bob", "pw", RoleViewer)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrUsernameExists):
				exists.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), exists.Load())
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	cases := []struct {
		name     string
		username string
		password string
		role     Role
	}{
		{"empty username", "", "pw", RoleViewer},
		{"blank username", "   ", "pw", RoleViewer},
		{"empty password", "carol", "", RoleViewer},
		{"blank password", "carol", "  ", RoleViewer},
		{"unknown role", "carol", "pw", RoleUnknown},
		{"out of range role", "carol", "pw", Role(42)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Create(ctx, tc.username, tc.password, tc.role)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreate_NormalizesUsername(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	decomposed := "  rene\u0301 "
	composed := "ren\u00e9"

	_, err := s.Create(ctx, decomposed, "pw", RoleViewer)
	require.NoError(t, err)

	got, err := s.Get(ctx, composed)
	require.NoError(t, err)
	assert.Equal(t, composed, got.Username)

	_, err = s.Create(ctx, composed, "pw", RoleViewer)
	assert.ErrorIs(t, err, ErrUsernameExists)
}

func TestGet_Missing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdatePrefs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	created, err := s.Create(ctx, "alice", "pw123", RoleEditor)
	require.NoError(t, err)

	updated, err := s.UpdatePrefs(ctx, "alice", "ar", "dark")
	require.NoError(t, err)
	assert.Equal(t, "ar", updated.PreferredLang)
	assert.Equal(t, "dark", updated.PreferredTheme)

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "ar", got.PreferredLang)
	assert.Equal(t, "dark", got.PreferredTheme)
	assert.Equal(t, created.PasswordHash, got.PasswordHash, "only preferences change")
	assert.Equal(t, created.Role, got.Role)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
}

func TestUpdatePrefs_CanonicalForms(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.Create(ctx, "alice", "pw", RoleViewer)
	require.NoError(t, err)

	got, err := s.UpdatePrefs(ctx, "alice", " AR ", "Dark")
	require.NoError(t, err)
	assert.Equal(t, "ar", got.PreferredLang)
	assert.Equal(t, "dark", got.PreferredTheme)
}

func TestUpdatePrefs_ConfiguredLanguages(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	s := NewStore(repo, credential.New(credential.Params{MemoryKiB: 1024}),
		WithLanguages(language.French, language.MustParse("en-GB")))
	require.NoError(t, s.EnsureReady(ctx))
	_, err := s.Create(ctx, "alice", "pw", RoleViewer)
	require.NoError(t, err)

	got, err := s.UpdatePrefs(ctx, "alice", "en-gb", "light")
	require.NoError(t, err)
	assert.Equal(t, "en-GB", got.PreferredLang)

	_, err = s.UpdatePrefs(ctx, "alice", "fr", "light")
	require.NoError(t, err)

	_, err = s.UpdatePrefs(ctx, "alice", DefaultLang, "light")
	require.NoError(t, err, "the default language stays selectable")

	_, err = s.UpdatePrefs(ctx, "alice", "ar", "light")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdatePrefs_Errors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.Create(ctx, "alice", "pw", RoleViewer)
	require.NoError(t, err)

	_, err = s.UpdatePrefs(ctx, "ghost", "en", "light")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.UpdatePrefs(ctx, "alice", "not a language!", "light")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.UpdatePrefs(ctx, "alice", "de", "light")
	assert.ErrorIs(t, err, ErrValidation, "well-formed but unsupported language")

	_, err = s.UpdatePrefs(ctx, "alice", "en", " ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.UpdatePrefs(ctx, "alice", "ar", "داكن")
	assert.ErrorIs(t, err, ErrValidation, "themes are a closed set")

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, DefaultLang, got.PreferredLang)
	assert.Equal(t, DefaultTheme, got.PreferredTheme)
}

func TestUpdatePrefs_ConcurrentDifferentUsers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	names := []string{"u1", "u2", "u3", "u4"}
	themes := map[string]string{"u1": "dark", "u2": "light", "u3": "dark", "u4": "light"}
	for _, n := range names {
		_, err := s.Create(ctx, n, "pw", RoleViewer)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_, err := s.UpdatePrefs(ctx, n, "ar", themes[n])
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	for _, n := range names {
		got, err := s.Get(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, themes[n], got.PreferredTheme)
		assert.Equal(t, "ar", got.PreferredLang)
	}
}

func TestRecord_JSONOmitsPasswordHash(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, err := s.Create(ctx, "alice", "pw", RoleAdmin)
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "password")
	assert.NotContains(t, string(data), rec.PasswordHash)
	assert.Contains(t, string(data), `"role":"Admin"`)
}

func TestGet_ForeignRoleDecodesAsUnknown(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	require.NoError(t, repo.Put(ctx, usersBucket, "mallory",
		[]byte(`{"username":"mallory","password_hash":"x","role":"SuperUser"}`)))

	got, err := s.Get(ctx, "mallory")
	require.NoError(t, err)
	assert.Equal(t, RoleUnknown, got.Role)
}

type failingRepo struct {
	storage.Repository
	err error
}

func (f failingRepo) EnsureBucket(context.Context, string) error { return f.err }

func TestEnsureReady_StorageUnavailable(t *testing.T) {
	cause := errors.New("disk on fire")
	s := NewStore(failingRepo{Repository: memory.NewRepository(), err: cause}, credential.New(credential.Params{}))

	err := s.EnsureReady(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
}
