package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/rs/zerolog"
)

const (
	prefixExecution       = "exec/"
	prefixStatus          = "status/"
	prefixExecByWorkspace = "idx/exec/ws/"
	prefixExecByUser      = "idx/exec/user/"
	prefixStatByWorkspace = "idx/status/ws/"
	prefixStatByUser      = "idx/status/user/"
)

// BadgerConfig configures the durable store.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
}

// Badger is a durable store on BadgerDB. Index entries are kept in the same
// transaction as the record they point to.
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
	stop   chan struct{}
	done   chan struct{}
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// OpenBadger opens or creates the database.
func OpenBadger(cfg BadgerConfig, logger zerolog.Logger) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	logger = logger.With().Str("component", "store").Logger()
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	b := &Badger{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		go b.runGC(cfg.GCInterval)
	}
	return b, nil
}

func (b *Badger) runGC(interval time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn().Err(err).Msg("badger value log gc failed")
			}
		}
	}
}

// Close implements Store.
func (b *Badger) Close() error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
	}
	return b.db.Close()
}

// SaveExecution implements Executions.
func (b *Badger) SaveExecution(ctx context.Context, exec *deploy.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", exec.ID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixExecution+exec.ID), data); err != nil {
			return err
		}
		if err := setIndex(txn, prefixExecByWorkspace, exec.WorkspaceID, exec.ID); err != nil {
			return err
		}
		return setIndex(txn, prefixExecByUser, exec.UserID, exec.ID)
	})
}

// GetExecution implements Executions.
func (b *Badger) GetExecution(ctx context.Context, id string) (*deploy.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var exec deploy.Execution
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixExecution+id, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions implements Executions.
func (b *Badger) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*deploy.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*deploy.Execution, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		ids, err := indexedIDs(txn, prefixExecution, prefixExecByWorkspace, prefixExecByUser, filter.WorkspaceID, filter.UserID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var exec deploy.Execution
			if err := getJSON(txn, prefixExecution+id, &exec); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if filter.matches(&exec) {
				out = append(out, &exec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// SaveStatus implements Statuses.
func (b *Badger) SaveStatus(ctx context.Context, status *deploy.DeploymentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status %s: %w", status.DeploymentID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixStatus+status.DeploymentID), data); err != nil {
			return err
		}
		if err := setIndex(txn, prefixStatByWorkspace, status.WorkspaceID, status.DeploymentID); err != nil {
			return err
		}
		return setIndex(txn, prefixStatByUser, status.UserID, status.DeploymentID)
	})
}

// GetStatus implements Statuses.
func (b *Badger) GetStatus(ctx context.Context, deploymentID string) (*deploy.DeploymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var status deploy.DeploymentStatus
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixStatus+deploymentID, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// ListStatuses implements Statuses.
func (b *Badger) ListStatuses(ctx context.Context, filter StatusFilter) ([]*deploy.DeploymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*deploy.DeploymentStatus, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		ids, err := indexedIDs(txn, prefixStatus, prefixStatByWorkspace, prefixStatByUser, filter.WorkspaceID, filter.UserID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var status deploy.DeploymentStatus
			if err := getJSON(txn, prefixStatus+id, &status); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if filter.matches(&status) {
				out = append(out, &status)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out, nil
}

func setIndex(txn *badger.Txn, prefix, key, id string) error {
	if key == "" {
		return nil
	}
	return txn.Set([]byte(prefix+key+"/"+id), nil)
}

func getJSON(txn *badger.Txn, key string, into any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, into); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

// indexedIDs returns record ids from the workspace or user index when one is
// filtered on, otherwise from a scan of the record prefix.
func indexedIDs(txn *badger.Txn, recordPrefix, wsPrefix, userPrefix, workspaceID, userID string) ([]string, error) {
	scanPrefix := recordPrefix
	switch {
	case workspaceID != "":
		scanPrefix = wsPrefix + workspaceID + "/"
	case userID != "":
		scanPrefix = userPrefix + userID + "/"
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(scanPrefix)
	ids := make([]string, 0)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		ids = append(ids, string(key[len(prefix):]))
	}
	return ids, nil
}
