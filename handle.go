package crudodb

import (
	"context"
	"log/slog"
	"sync"

	"github.com/andreyvit/crudodb/kvstore"
)

// handle is the orchestrator-owned slot for one physical instance. Every
// store multiplexed onto the instance goes through the slot, so a reopen at
// a new version is picked up by all of them on their next operation.
//
// Transactions hold the read lock; reopening takes the write lock, which
// waits for in-flight transactions before closing the old instance.
type handle struct {
	name   string
	engine kvstore.Engine
	logger *slog.Logger

	mu   sync.RWMutex
	inst *kvstore.Instance
}

func newHandle(name string, engine kvstore.Engine, logger *slog.Logger) *handle {
	return &handle{name: name, engine: engine, logger: logger}
}

func (h *handle) view(ctx context.Context, fn func(tx *kvstore.Tx) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.inst == nil {
		return ErrClosed
	}
	return h.inst.View(ctx, fn)
}

func (h *handle) update(ctx context.Context, fn func(tx *kvstore.Tx) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.inst == nil {
		return ErrClosed
	}
	return h.inst.Update(ctx, fn)
}

// version opens the instance at its stored version if needed and returns
// that version.
func (h *handle) version(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inst == nil {
		inst, err := h.engine.Open(ctx, h.name, 0, nil)
		if err != nil {
			return 0, err
		}
		h.inst = inst
	}
	return h.inst.Version(), nil
}

// upgrade reopens the instance at version, running fn as the upgrade
// callback. On failure the instance is reopened at its previous version so
// that sibling stores keep working.
func (h *handle) upgrade(ctx context.Context, version uint64, fn kvstore.UpgradeFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inst != nil {
		if err := h.inst.Close(); err != nil {
			h.logger.Warn("crudodb: closing stale instance", "instance", h.name, "err", err)
		}
		h.inst = nil
	}

	inst, err := h.engine.Open(ctx, h.name, version, fn)
	if err != nil {
		prev, rerr := h.engine.Open(ctx, h.name, 0, nil)
		if rerr != nil {
			h.logger.Error("crudodb: reopening instance after failed upgrade", "instance", h.name, "err", rerr)
		} else {
			h.inst = prev
		}
		return err
	}
	h.inst = inst
	return nil
}

func (h *handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inst == nil {
		return nil
	}
	err := h.inst.Close()
	h.inst = nil
	return err
}
