package cmd

import (
	"context"
	"fmt"

	"github.com/jmcleod/warden/config"
	"github.com/jmcleod/warden/credential"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
	bboltstorage "github.com/jmcleod/warden/storage/bbolt"
	"github.com/jmcleod/warden/storage/memory"
	"github.com/jmcleod/warden/storage/postgres"
	"github.com/jmcleod/warden/users"
)

// openRepository opens the configured backend. The returned func releases it.
func openRepository(ctx context.Context, c config.Config) (storage.Repository, func(), error) {
	switch c.Storage {
	case config.StorageBolt:
		repo, err := bboltstorage.NewRepositoryFromFile(c.BoltPath(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", users.ErrStorageUnavailable, err)
		}
		return repo, func() { repo.Close() }, nil
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", users.ErrStorageUnavailable, err)
		}
		return repo, repo.Close, nil
	case config.StorageMemory:
		return memory.NewRepository(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", c.Storage)
	}
}

// core is the wired credential and session stack.
type core struct {
	repo     storage.Repository
	users    *users.Store
	sessions *session.Manager
	close    func()
}

// openCore opens storage and makes sure it is ready. Failure here must stop
// the process.
func openCore(ctx context.Context, c config.Config) (*core, error) {
	repo, release, err := openRepository(ctx, c)
	if err != nil {
		return nil, err
	}
	langs, err := c.LanguageTags()
	if err != nil {
		release()
		return nil, err
	}
	creds := credential.New(c.CredentialParams())
	store := users.NewStore(repo, creds, users.WithLogger(logger), users.WithLanguages(langs...))
	mgr := session.NewManager(store, creds, repo,
		session.WithLogger(logger),
		session.WithRememberTTL(c.RememberTTL))
	if err := mgr.EnsureReady(ctx); err != nil {
		release()
		return nil, err
	}
	return &core{repo: repo, users: store, sessions: mgr, close: release}, nil
}
