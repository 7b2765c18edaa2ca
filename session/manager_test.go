package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/credential"
	"github.com/jmcleod/warden/storage"
	"github.com/jmcleod/warden/storage/memory"
	"github.com/jmcleod/warden/users"
)

// testJar is a CookieJar whose Set calls only become visible to a new jar
// (a new process instance) after Save.
type testJar struct {
	mu        sync.Mutex
	notReady  bool
	saveErr   error
	saves     int
	pending   map[string]string
	persisted map[string]string
}

func newTestJar() *testJar {
	return &testJar{pending: map[string]string{}, persisted: map[string]string{}}
}

// reload simulates the client presenting its cookies to a fresh process.
func (j *testJar) reload() *testJar {
	j.mu.Lock()
	defer j.mu.Unlock()
	next := newTestJar()
	for k, v := range j.persisted {
		next.persisted[k] = v
	}
	return next
}

func (j *testJar) Ready() bool { return !j.notReady }

func (j *testJar) Get(key, def string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if v, ok := j.pending[key]; ok {
		if v == "" {
			return def
		}
		return v
	}
	if v, ok := j.persisted[key]; ok && v != "" {
		return v
	}
	return def
}

func (j *testJar) Set(key, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[key] = value
}

func (j *testJar) Save() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saves++
	if j.saveErr != nil {
		return j.saveErr
	}
	for k, v := range j.pending {
		if v == "" {
			delete(j.persisted, k)
		} else {
			j.persisted[k] = v
		}
	}
	j.pending = map[string]string{}
	return nil
}

func (j *testJar) persistedValue(key string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.persisted[key]
}

type fixture struct {
	repo  *memory.Repository
	store *users.Store
	creds *credential.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewRepository()
	creds := credential.New(credential.Params{Time: 1, MemoryKiB: 1024, Parallelism: 1})
	return &fixture{repo: repo, store: users.NewStore(repo, creds), creds: creds}
}

// process returns a Manager as a freshly started process would build it.
func (f *fixture) process(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(f.store, f.creds, f.repo, opts...)
	require.NoError(t, m.EnsureReady(context.Background()))
	return m
}

func TestLogin_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw123", users.RoleEditor))

	cases := []struct {
		name     string
		username string
		password string
		want     error
		kind     Kind
	}{
		{"both blank", "", "", ErrMissingCredentials, KindMissingCredentials},
		{"blank password", "alice", "", ErrMissingCredentials, KindMissingCredentials},
		{"blank username", "  ", "pw123", ErrMissingCredentials, KindMissingCredentials},
		{"unknown user", "bob", "anything", users.ErrUserNotFound, KindUserNotFound},
		{"wrong password", "alice", "bad", ErrInvalidPassword, KindInvalidPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := NewState()
			jar := newTestJar()
			err := m.Login(ctx, st, tc.username, tc.password, true, jar)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.False(t, m.IsAuthenticated(st))
			assert.Empty(t, jar.persistedValue(CookieSession))
			assert.Zero(t, jar.saves, "failed login must not touch the jar")
		})
	}
}

func TestLogin_WithoutRemember(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw123", users.RoleEditor))

	st := NewState()
	jar := newTestJar()
	require.NoError(t, m.Login(ctx, st, "alice", "pw123", false, jar))
	assert.True(t, m.IsAuthenticated(st))
	assert.Equal(t, "alice", st.Username())
	assert.False(t, st.Snapshot().Remember)
	assert.Empty(t, jar.persistedValue(CookieSession))

	// A fresh process does not remember a non-remembered login.
	m2 := f.process(t)
	st2 := NewState()
	m2.Restore(ctx, st2, jar.reload())
	assert.False(t, m2.IsAuthenticated(st2))
}

func TestScenario_RememberAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)

	require.NoError(t, m.CreateUser(ctx, "alice", "pw123", users.RoleEditor))

	st := NewState()
	jar := newTestJar()
	err := m.Login(ctx, st, "alice", "bad", false, jar)
	assert.Equal(t, KindInvalidPassword, KindOf(err))

	require.NoError(t, m.Login(ctx, st, "alice", "pw123", true, jar))
	assert.True(t, m.IsAuthenticated(st))
	token := jar.persistedValue(CookieSession)
	require.NotEmpty(t, token, "jar holds alice's identifier after the flush")
	assert.NotEqual(t, "alice", token, "the cookie carries an opaque token, not the username")

	// New process instance, same client cookies.
	m2 := f.process(t)
	st2 := NewState()
	assert.False(t, m2.IsAuthenticated(st2))
	m2.Restore(ctx, st2, jar.reload())
	require.True(t, m2.IsAuthenticated(st2))

	rec, err := m2.CurrentUser(ctx, st2)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, users.RoleEditor, rec.Role)
	assert.True(t, st2.Snapshot().Remember)
}

func TestRestore_NoOpWhenPopulated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))
	require.NoError(t, m.CreateUser(ctx, "bob", "pw", users.RoleViewer))

	aliceJar := newTestJar()
	require.NoError(t, m.Login(ctx, NewState(), "alice", "pw", true, aliceJar))

	st := NewState()
	require.NoError(t, m.Login(ctx, st, "bob", "pw", false, newTestJar()))
	m.Restore(ctx, st, aliceJar.reload())
	assert.Equal(t, "bob", st.Username())
}

func TestRestore_NoCookieStaysAnonymous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)

	st := NewState()
	jar := newTestJar()
	m.Restore(ctx, st, jar)
	assert.False(t, m.IsAuthenticated(st))
	assert.Zero(t, jar.saves)
}

func TestRestore_JarNotReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))
	jar := newTestJar()
	require.NoError(t, m.Login(ctx, NewState(), "alice", "pw", true, jar))

	next := jar.reload()
	next.notReady = true
	st := NewState()
	m.Restore(ctx, st, next)
	assert.False(t, m.IsAuthenticated(st))
}

func TestRestore_DeletedUserClearsCookie(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw123", users.RoleEditor))

	jar := newTestJar()
	require.NoError(t, m.Login(ctx, NewState(), "alice", "pw123", true, jar))
	token := jar.persistedValue(CookieSession)
	require.NotEmpty(t, token)

	// The account disappears between sessions.
	require.NoError(t, f.repo.Delete(ctx, "users", "alice"))

	m2 := f.process(t)
	st := NewState()
	next := jar.reload()
	assert.NotPanics(t, func() { m2.Restore(ctx, st, next) })
	assert.False(t, m2.IsAuthenticated(st))
	assert.Empty(t, next.persistedValue(CookieSession), "stale cookie entry is cleared")

	_, err := f.repo.Get(ctx, tokensBucket, tokenKey(token))
	assert.ErrorIs(t, err, storage.ErrNotFound, "stale token is revoked server-side")
}

func TestRestore_UnknownTokenClearsCookie(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)

	for _, forged := range []string{"alice", "00000000-0000-4000-8000-000000000000"} {
		jar := newTestJar()
		jar.persisted[CookieSession] = forged
		st := NewState()
		m.Restore(ctx, st, jar)
		assert.False(t, m.IsAuthenticated(st), forged)
		assert.Empty(t, jar.persistedValue(CookieSession), forged)
	}
}

func TestRestore_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := f.process(t, WithRememberTTL(time.Hour), WithClock(clock))
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))

	jar := newTestJar()
	require.NoError(t, m.Login(ctx, NewState(), "alice", "pw", true, jar))

	now = now.Add(30 * time.Minute)
	st := NewState()
	m.Restore(ctx, st, jar.reload())
	assert.True(t, m.IsAuthenticated(st), "token still valid")

	now = now.Add(time.Hour)
	st = NewState()
	next := jar.reload()
	m.Restore(ctx, st, next)
	assert.False(t, m.IsAuthenticated(st), "token expired")
	assert.Empty(t, next.persistedValue(CookieSession))
}

func TestLogin_SaveFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))

	st := NewState()
	jar := newTestJar()
	jar.saveErr = errors.New("client went away")
	require.NoError(t, m.Login(ctx, st, "alice", "pw", true, jar))
	assert.True(t, m.IsAuthenticated(st))
	assert.Equal(t, 1, jar.saves)

	// Remember-me silently did not persist.
	m2 := f.process(t)
	st2 := NewState()
	m2.Restore(ctx, st2, jar.reload())
	assert.False(t, m2.IsAuthenticated(st2))
}

func TestLogin_JarNotReadyStillAuthenticates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))

	jar := newTestJar()
	jar.notReady = true
	st := NewState()
	require.NoError(t, m.Login(ctx, st, "alice", "pw", true, jar))
	assert.True(t, m.IsAuthenticated(st))
	assert.Zero(t, jar.saves)
}

func TestLogin_ReplacesPreviousToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))

	jar := newTestJar()
	require.NoError(t, m.Login(ctx, NewState(), "alice", "pw", true, jar))
	first := jar.persistedValue(CookieSession)
	require.NoError(t, m.Login(ctx, NewState(), "alice", "pw", true, jar))
	second := jar.persistedValue(CookieSession)

	assert.NotEqual(t, first, second)
	ids, err := f.repo.List(ctx, tokensBucket)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "superseded token is revoked")
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))

	st := NewState()
	jar := newTestJar()
	require.NoError(t, m.Login(ctx, st, "alice", "pw", true, jar))
	token := jar.persistedValue(CookieSession)

	m.Logout(ctx, st, jar)
	assert.False(t, m.IsAuthenticated(st))
	assert.Empty(t, jar.persistedValue(CookieSession))
	_, err := f.repo.Get(ctx, tokensBucket, tokenKey(token))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Idempotent.
	assert.NotPanics(t, func() { m.Logout(ctx, st, jar) })
	assert.False(t, m.IsAuthenticated(st))

	// A fresh restore with no cookie leaves the session Anonymous.
	m2 := f.process(t)
	st2 := NewState()
	m2.Restore(ctx, st2, jar.reload())
	assert.False(t, m2.IsAuthenticated(st2))
}

func TestCurrentUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)

	st := NewState()
	rec, err := m.CurrentUser(ctx, st)
	require.NoError(t, err)
	assert.Nil(t, rec, "anonymous clients have no current user")

	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleAdmin))
	require.NoError(t, m.Login(ctx, st, "alice", "pw", false, nil))
	rec, err = m.CurrentUser(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)

	// Backing record removed: the session is invalid and must be cleared.
	require.NoError(t, f.repo.Delete(ctx, "users", "alice"))
	rec, err = m.CurrentUser(ctx, st)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, m.IsAuthenticated(st))
}

func TestUpdateUserPrefs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw123", users.RoleEditor))

	st := NewState()
	jar := newTestJar()
	require.NoError(t, m.Login(ctx, st, "alice", "pw123", true, jar))
	assert.Equal(t, "en", jar.persistedValue(CookieLang))
	assert.Equal(t, "light", jar.persistedValue(CookieTheme))

	_, err := m.UpdateUserPrefs(ctx, st, "alice", "ar", "dark", jar)
	require.NoError(t, err)

	rec, err := m.CurrentUser(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "ar", rec.PreferredLang)
	assert.Equal(t, "dark", rec.PreferredTheme)
	assert.Equal(t, "ar", jar.persistedValue(CookieLang))
	assert.Equal(t, "dark", jar.persistedValue(CookieTheme))
}

func TestUpdateUserPrefs_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleEditor))
	require.NoError(t, m.CreateUser(ctx, "bob", "pw", users.RoleEditor))

	_, err := m.UpdateUserPrefs(ctx, nil, "ghost", "en", "light", nil)
	assert.Equal(t, KindUserNotFound, KindOf(err))

	st := NewState()
	require.NoError(t, m.Login(ctx, st, "alice", "pw", false, nil))
	jar := newTestJar()
	_, err = m.UpdateUserPrefs(ctx, st, "bob", "ar", "dark", jar)
	assert.Equal(t, KindNotAuthenticated, KindOf(err))
	assert.Zero(t, jar.saves)

	rec, err := f.store.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "en", rec.PreferredLang)
}

func TestStatesAreIsolatedPerClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleAdmin))
	require.NoError(t, m.CreateUser(ctx, "bob", "pw", users.RoleViewer))

	var wg sync.WaitGroup
	states := make([]*State, 20)
	for i := range states {
		states[i] = NewState()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "alice"
			if i%2 == 1 {
				name = "bob"
			}
			assert.NoError(t, m.Login(ctx, states[i], name, "pw", false, nil))
		}(i)
	}
	wg.Wait()

	for i, st := range states {
		want := "alice"
		if i%2 == 1 {
			want = "bob"
		}
		assert.Equal(t, want, st.Username())
	}
}

func TestSweepExpiredTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := f.process(t, WithRememberTTL(time.Minute), WithClock(func() time.Time { return now }))
	require.NoError(t, m.CreateUser(ctx, "alice", "pw", users.RoleViewer))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Login(ctx, NewState(), "alice", "pw", true, newTestJar()))
	}
	require.NoError(t, f.repo.Put(ctx, tokensBucket, "corrupt", []byte("{")))

	removed, err := m.SweepExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only the corrupt entry goes before expiry")

	now = now.Add(2 * time.Minute)
	removed, err = m.SweepExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestStateContext(t *testing.T) {
	assert.Nil(t, StateFrom(context.Background()))
	st := NewState()
	ctx := WithState(context.Background(), st)
	assert.Same(t, st, StateFrom(ctx))
}

func TestNilStateIsAnonymous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)
	require.NoError(t, m.CreateUser(ctx, "alice", "pw123", users.RoleEditor))

	// A jar holding a valid token must still not be consumed for a nil state.
	jar := newTestJar()
	require.NoError(t, m.Login(ctx, NewState(), "alice", "pw123", true, jar))
	token := jar.persistedValue(CookieSession)
	require.NotEmpty(t, token)

	var st *State
	assert.NotPanics(t, func() {
		err := m.Login(ctx, st, "alice", "pw123", false, jar)
		assert.ErrorIs(t, err, ErrNilState)

		m.Restore(ctx, st, jar)
		assert.False(t, m.IsAuthenticated(st))

		rec, err := m.CurrentUser(ctx, st)
		assert.NoError(t, err)
		assert.Nil(t, rec)

		assert.Equal(t, Snapshot{}, st.Snapshot())
	})
	assert.Equal(t, token, jar.persistedValue(CookieSession))

	assert.NotPanics(t, func() { m.Logout(ctx, st, jar) })
	assert.Empty(t, jar.persistedValue(CookieSession), "logout still revokes the jar's token")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("disk")))
	assert.Equal(t, KindStorageUnavailable, KindOf(users.ErrStorageUnavailable))
	assert.Equal(t, KindUsernameExists, KindOf(users.ErrUsernameExists))
	assert.Equal(t, KindValidation, KindOf(users.ErrValidation))
	assert.Equal(t, "username_exists", KindUsernameExists.MessageKey())
	assert.Equal(t, "unknown_error", KindUnknown.MessageKey())
	assert.Equal(t, "", KindNone.MessageKey())
}

func TestCreateUser_Twice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.process(t)

	require.NoError(t, m.CreateUser(ctx, "alice", "pw123", users.RoleEditor))
	err := m.CreateUser(ctx, "alice", "pw123", users.RoleEditor)
	assert.Equal(t, KindUsernameExists, KindOf(err))

	err = m.CreateUser(ctx, "", "pw", users.RoleEditor)
	assert.Equal(t, KindValidation, KindOf(err))
}
