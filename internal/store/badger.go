package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/fossable/fossdb/internal/models"
)

// Key prefixes. Package name lookups go through a dedicated index entry so
// the name acts as a unique secondary key.
const (
	prefixPackage     = "pkg:"
	prefixPackageName = "pkgname:"
	prefixVersion     = "ver:"
	prefixEvent       = "event:"
	prefixUser        = "user:"
)

const (
	// feedBuffer bounds the change feed channel. The listener is a
	// dedicated long-lived consumer, so the buffer only absorbs bursts.
	feedBuffer = 1024

	// nameCacheTTL bounds staleness of the name index cache. Names never
	// remap to a different package id, so the TTL is just memory hygiene.
	nameCacheTTL = 10 * time.Minute
)

// Config holds the Badger store settings.
type Config struct {
	// Directory is the on-disk location of the store.
	Directory string

	// InMemory runs Badger without disk persistence. Used by tests.
	InMemory bool
}

type badgerStore struct {
	db        *badger.DB
	logger    *slog.Logger
	nameCache *ttlcache.Cache[string, string]

	feedMu     sync.Mutex
	feed       chan models.VersionInsert
	feedClosed bool
}

// Open opens (or creates) a Badger-backed store.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Directory).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %q: %w", cfg.Directory, err)
	}

	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](nameCacheTTL),
	)
	go cache.Start()

	return &badgerStore{
		db:        db,
		logger:    logger,
		nameCache: cache,
		feed:      make(chan models.VersionInsert, feedBuffer),
	}, nil
}

// view and update run a transaction, translating badger's closed-DB sentinel
// into ErrClosed.
func (s *badgerStore) view(fn func(*badger.Txn) error) error {
	err := s.db.View(fn)
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (s *badgerStore) update(fn func(*badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func packageKey(id uuid.UUID) []byte { return []byte(prefixPackage + id.String()) }

func packageNameKey(name string) []byte { return []byte(prefixPackageName + name) }

func versionKey(pkgID uuid.UUID, version string) []byte {
	return []byte(prefixVersion + pkgID.String() + ":" + version)
}

func eventKey(id uuid.UUID) []byte { return []byte(prefixEvent + id.String()) }

func userKey(id uuid.UUID) []byte { return []byte(prefixUser + id.String()) }

// getJSON reads and decodes one value inside the given transaction.
func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return txn.Set(key, raw)
}

func (s *badgerStore) GetPackage(_ context.Context, id uuid.UUID) (*models.Package, error) {
	var pkg models.Package
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, packageKey(id), &pkg)
	})
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (s *badgerStore) GetPackageByName(ctx context.Context, name string) (*models.Package, error) {
	if item := s.nameCache.Get(name); item != nil {
		id, err := uuid.Parse(item.Value())
		if err == nil {
			pkg, err := s.GetPackage(ctx, id)
			if err == nil {
				return pkg, nil
			}
		}
		s.nameCache.Delete(name)
	}

	var pkg models.Package
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get(packageNameKey(name))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var id uuid.UUID
		if err := item.Value(func(val []byte) error {
			parsed, perr := uuid.ParseBytes(val)
			if perr != nil {
				return perr
			}
			id = parsed
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, packageKey(id), &pkg)
	})
	if err != nil {
		return nil, err
	}
	s.nameCache.Set(name, pkg.ID.String(), ttlcache.DefaultTTL)
	return &pkg, nil
}

func (s *badgerStore) InsertPackage(_ context.Context, pkg *models.Package) error {
	if pkg.ID == uuid.Nil {
		pkg.ID = uuid.New()
	}
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(packageNameKey(pkg.Name)); err == nil {
			return ErrDuplicatePackage
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := setJSON(txn, packageKey(pkg.ID), pkg); err != nil {
			return err
		}
		return txn.Set(packageNameKey(pkg.Name), []byte(pkg.ID.String()))
	})
	if err != nil {
		return err
	}
	s.nameCache.Set(pkg.Name, pkg.ID.String(), ttlcache.DefaultTTL)
	return nil
}

func (s *badgerStore) UpdatePackage(_ context.Context, pkg *models.Package) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(packageKey(pkg.ID)); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return setJSON(txn, packageKey(pkg.ID), pkg)
	})
}

func (s *badgerStore) GetVersions(_ context.Context, packageID uuid.UUID) ([]models.PackageVersion, error) {
	var versions []models.PackageVersion
	prefix := []byte(prefixVersion + packageID.String() + ":")
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ver models.PackageVersion
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ver)
			}); err != nil {
				return err
			}
			versions = append(versions, ver)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *badgerStore) InsertVersion(_ context.Context, ver *models.PackageVersion) error {
	if ver.ID == uuid.Nil {
		ver.ID = uuid.New()
	}
	key := versionKey(ver.PackageID, ver.Version)
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateVersion
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return setJSON(txn, key, ver)
	})
	if err != nil {
		return err
	}

	// Emit after commit so the listener only ever observes durable inserts.
	s.emitVersionInsert(models.VersionInsert{Version: *ver})
	return nil
}

func (s *badgerStore) emitVersionInsert(insert models.VersionInsert) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feedClosed {
		return
	}
	select {
	case s.feed <- insert:
	default:
		// The feed consumer has stalled far beyond the buffer. Dropping
		// here keeps ingestion alive; the next poll re-detects nothing
		// (the version is stored), so the notification is lost, which we
		// make loud.
		s.logger.Warn("Change feed buffer full, dropping version insert notification",
			"package_id", insert.Version.PackageID,
			"version", insert.Version.Version)
	}
}

func (s *badgerStore) InsertTimelineEvent(_ context.Context, event *models.TimelineEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, eventKey(event.ID), event)
	})
}

func (s *badgerStore) PendingTimelineEvents(_ context.Context) ([]models.TimelineEvent, error) {
	var events []models.TimelineEvent
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEvent)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var event models.TimelineEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return err
			}
			if event.NotifiedAt == nil && event.UserID != nil && event.Type == models.EventNewRelease {
				events = append(events, event)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEventsByCreation(events)
	return events, nil
}

func (s *badgerStore) MarkEventNotified(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		var event models.TimelineEvent
		if err := getJSON(txn, eventKey(id), &event); err != nil {
			return err
		}
		event.NotifiedAt = &at
		return setJSON(txn, eventKey(id), &event)
	})
}

func (s *badgerStore) PutUser(_ context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, userKey(user.ID), user)
	})
}

func (s *badgerStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *badgerStore) UsersSubscribedTo(_ context.Context, packageName string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixUser)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var user models.User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			}); err != nil {
				return err
			}
			for _, sub := range user.Subscriptions {
				if sub.PackageName == packageName && sub.NotificationsEnabled {
					ids = append(ids, user.ID)
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *badgerStore) WatchVersionInserts() <-chan models.VersionInsert {
	return s.feed
}

func (s *badgerStore) Close() error {
	s.feedMu.Lock()
	if !s.feedClosed {
		s.feedClosed = true
		close(s.feed)
	}
	s.feedMu.Unlock()

	s.nameCache.Stop()
	return s.db.Close()
}

func sortEventsByCreation(events []models.TimelineEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}
