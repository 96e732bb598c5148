package crudodb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andreyvit/crudodb/kvstore"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SyncReport summarizes one Sync of one store.
type SyncReport struct {
	Key string
	Run string // unique id of the run, also logged as "sync"

	// Skipped is set when there is no remote or it is offline.
	Skipped bool

	Pushed     int
	PushFailed int

	// PullSkipped is set when the remote snapshot could not be fetched.
	PullSkipped bool
	Created     int
	Updated     int
	Purged      int

	// Rebased counts pending creates of keys the remote already has; they
	// are flagged U and pushed as updates by the next sync.
	Rebased int

	Duration time.Duration
	Err      error
}

func (r SyncReport) String() string {
	if r.Skipped {
		return fmt.Sprintf("%s: skipped", r.Key)
	}
	s := fmt.Sprintf("%s: pushed %d (%d failed)", r.Key, r.Pushed, r.PushFailed)
	if r.PullSkipped {
		s += ", pull skipped"
	} else {
		s += fmt.Sprintf(", pulled +%d ~%d -%d", r.Created, r.Updated, r.Purged)
		if r.Rebased > 0 {
			s += fmt.Sprintf(", rebased %d", r.Rebased)
		}
	}
	if r.Err != nil {
		s += ", error: " + r.Err.Error()
	}
	return s
}

// Sync pushes every dirty row to the remote, then replaces the local clean
// rows with the remote snapshot. Concurrent calls on one store run one after
// another.
//
// Remote failures are logged and counted in the report; only local storage
// failures are returned.
func (d *Database[T]) Sync(ctx context.Context) (SyncReport, error) {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	start := time.Now()
	rep := SyncReport{Key: d.key, Run: uuid.NewString()}
	logger := d.logger.With("sync", rep.Run)

	finish := func(err error) (SyncReport, error) {
		rep.Err = err
		rep.Duration = time.Since(start)
		d.env.metrics.syncDone(&rep)
		if err != nil {
			logger.Error("crudodb: sync failed", "err", err)
		} else if !rep.Skipped {
			logger.Info("crudodb: synced", "pushed", rep.Pushed, "push_failed", rep.PushFailed, "pull_skipped", rep.PullSkipped,
				"created", rep.Created, "updated", rep.Updated, "purged", rep.Purged, "rebased", rep.Rebased, "took", rep.Duration)
		}
		return rep, err
	}

	if !d.online(ctx) {
		rep.Skipped = true
		return finish(nil)
	}

	if err := d.push(ctx, logger, &rep); err != nil {
		return finish(err)
	}

	remote, err := retry(ctx, d.env, func() ([]T, error) {
		return d.api.GetAll(ctx)
	})
	if err != nil {
		d.remoteFailed("get-all", nil, err)
		rep.PullSkipped = true
		return finish(nil)
	}
	return finish(d.pull(ctx, logger, remote, &rep))
}

func (d *Database[T]) push(ctx context.Context, logger *slog.Logger, rep *SyncReport) error {
	dirty, err := d.dirtyDocs(ctx)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	var pushed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.env.concurrency)
	for _, doc := range dirty {
		g.Go(func() error {
			if err := d.pushOne(ctx, doc); err != nil {
				failed.Add(1)
				logger.Warn("crudodb: push failed", "flag", flagOf(doc).String(), "err", err)
			} else {
				pushed.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	rep.Pushed = int(pushed.Load())
	rep.PushFailed = int(failed.Load())
	return nil
}

// pushOne sends one dirty row to the remote and settles it locally. The row's
// flag is left alone when anything fails, so the next sync retries it.
func (d *Database[T]) pushOne(ctx context.Context, doc kvstore.Document) error {
	key, err := doc.Key(d.schema.KeyField)
	if err != nil {
		return err
	}
	flag := flagOf(doc)
	written, err := digest(doc)
	if err != nil {
		return fmt.Errorf("%v: %w", key, err)
	}
	item, _, err := fromDocument[T](doc)
	if err != nil {
		return fmt.Errorf("%v: %w", key, err)
	}

	switch flag {
	case FlagDeleted:
		ok, err := retry(ctx, d.env, func() (bool, error) {
			return d.api.Delete(ctx, item)
		})
		if err != nil || !ok {
			rerr := &RemoteError{Store: d.key, Op: "delete", Key: key, Err: err}
			d.env.metrics.remoteFailure(d.key, "delete")
			return rerr
		}
		return d.purgeTombstone(ctx, key)

	case FlagCreated, FlagUpdated:
		op := "create"
		call := d.api.Create
		if flag == FlagUpdated {
			op, call = "update", d.api.Update
		}
		res, err := retry(ctx, d.env, func() (*T, error) {
			return call(ctx, item)
		})
		if err != nil || res == nil {
			d.env.metrics.remoteFailure(d.key, op)
			return &RemoteError{Store: d.key, Op: op, Key: key, Err: err}
		}
		_, err = d.writeBack(ctx, key, written, *res)
		return err

	default:
		return nil
	}
}

type pulledRow struct {
	keyRaw []byte
	doc    kvstore.Document
	hash   uint64
}

// pull applies the remote snapshot in one write transaction. Rows that are
// still dirty keep their local version, except that tombstones and updates
// of keys the remote no longer has are dropped, and creates of keys the
// remote already has become updates.
func (d *Database[T]) pull(ctx context.Context, logger *slog.Logger, remote []T, rep *SyncReport) error {
	incoming := make(map[string]pulledRow, len(remote))
	order := make([]string, 0, len(remote))
	for _, item := range remote {
		doc, err := toDocument(item)
		if err != nil {
			logger.Warn("crudodb: skipping remote item", "err", err)
			continue
		}
		delete(doc, flagField)
		keyRaw, err := d.docKeyRaw(doc)
		if err != nil {
			logger.Warn("crudodb: skipping remote item without a valid key", "err", err)
			continue
		}
		hash, err := digest(doc)
		if err != nil {
			logger.Warn("crudodb: skipping remote item", "err", err)
			continue
		}
		if _, dup := incoming[string(keyRaw)]; !dup {
			order = append(order, string(keyRaw))
		}
		incoming[string(keyRaw)] = pulledRow{keyRaw, doc, hash}
	}

	var created, updated, purged, rebased int
	err := d.h.update(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		var local []pulledRow
		err = c.Scan(func(keyRaw []byte, doc kvstore.Document) error {
			local = append(local, pulledRow{keyRaw: bytes.Clone(keyRaw), doc: doc})
			return nil
		})
		if err != nil {
			return err
		}

		seen := make(map[string]bool, len(local))
		for _, row := range local {
			k := string(row.keyRaw)
			seen[k] = true
			key, err := kvstore.DecodeKey(row.keyRaw)
			if err != nil {
				return err
			}
			flag := flagOf(row.doc)
			in, found := incoming[k]
			switch {
			case !found && flag == FlagCreated:
				// not pushed yet
			case !found:
				if _, err := c.Delete(key); err != nil {
					return err
				}
				purged++
			case flag == FlagCreated:
				// the create reached the remote earlier, or the key was taken
				// there; either way only an update can deliver the local row
				if err := c.Put(withFlag(row.doc, FlagUpdated)); err != nil {
					return err
				}
				rebased++
			case flag.Dirty():
				// pending local change wins until it is pushed
			default:
				hash, err := digest(row.doc)
				if err != nil {
					return fmt.Errorf("crudodb: %s: %v: %w", d.key, key, err)
				}
				if hash == in.hash {
					continue
				}
				if err := c.Put(in.doc); err != nil {
					return err
				}
				updated++
			}
		}
		for _, k := range order {
			if seen[k] {
				continue
			}
			if err := c.Put(incoming[k].doc); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return err
	}
	rep.Created, rep.Updated, rep.Purged, rep.Rebased = created, updated, purged, rebased
	return nil
}

func (d *Database[T]) docKeyRaw(doc kvstore.Document) ([]byte, error) {
	key, err := doc.Key(d.schema.KeyField)
	if err != nil {
		return nil, err
	}
	return kvstore.EncodeKey(nil, key)
}

// retry runs op, retrying transport failures with exponential backoff up to
// the configured number of extra attempts.
func retry[R any](ctx context.Context, env *env, op func() (R, error)) (R, error) {
	if env.retries <= 0 {
		return op()
	}
	var res R
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = env.retryInterval
	err := backoff.Retry(func() error {
		var err error
		res, err = op()
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(env.retries)), ctx))
	return res, err
}
