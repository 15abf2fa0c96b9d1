package relaygraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type mirrorOpKind int

const (
	mirrorInsertCluster mirrorOpKind = iota
	mirrorClusterStatus
)

type mirrorOp struct {
	kind   mirrorOpKind
	record ClusterRecord
}

// MirrorOutbox propagates cluster writes from the graph to the record
// store. Every op is idempotent, so a pending op can be re-applied on each
// flush until it lands. Ops apply in submission order; a later status for a
// cluster replaces its pending one.
//
// Ops that fail with ErrNotFound or ErrInvalidInput can never land and are
// dropped so they do not hold back the rest of the queue.
type MirrorOutbox struct {
	store  RecordStore
	logger *slog.Logger

	mu      sync.Mutex
	pending []mirrorOp
	dropped int
}

func NewMirrorOutbox(store RecordStore, logger *slog.Logger) *MirrorOutbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorOutbox{store: store, logger: logger}
}

func (o *MirrorOutbox) InsertCluster(ctx context.Context, rec ClusterRecord) error {
	return o.submit(ctx, mirrorOp{kind: mirrorInsertCluster, record: rec})
}

// SetClusterStatus mirrors rec.Status. When rec carries the cluster's org and
// file, a row missing from the record store is recreated from it.
func (o *MirrorOutbox) SetClusterStatus(ctx context.Context, rec ClusterRecord) error {
	return o.submit(ctx, mirrorOp{kind: mirrorClusterStatus, record: rec})
}

func (o *MirrorOutbox) submit(ctx context.Context, op mirrorOp) error {
	o.mu.Lock()
	o.enqueueLocked(op)
	o.mu.Unlock()
	if _, err := o.Flush(ctx); err != nil {
		return fmt.Errorf("%w: cluster %s: %v", ErrMirrorPending, op.record.ID, err)
	}
	return nil
}

func (o *MirrorOutbox) enqueueLocked(op mirrorOp) {
	for i := range o.pending {
		if o.pending[i].kind != op.kind || o.pending[i].record.ID != op.record.ID {
			continue
		}
		if op.kind == mirrorClusterStatus {
			o.pending[i] = op
		}
		return
	}
	o.pending = append(o.pending, op)
}

// Flush applies pending ops in order and stops at the first transient
// failure. It returns how many ops were applied.
func (o *MirrorOutbox) Flush(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	applied := 0
	for len(o.pending) > 0 {
		op := o.pending[0]
		err := o.apply(ctx, op)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput):
			o.dropped++
			o.logger.Error("dropping cluster mirror op", "cluster_id", op.record.ID, "status", op.record.Status, "error", err)
		default:
			o.logger.Warn("cluster mirror apply failed", "cluster_id", op.record.ID, "pending", len(o.pending), "error", err)
			return applied, err
		}
		o.pending = o.pending[1:]
	}
	return applied, nil
}

func (o *MirrorOutbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Dropped counts ops discarded because they could never apply.
func (o *MirrorOutbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *MirrorOutbox) apply(ctx context.Context, op mirrorOp) error {
	switch op.kind {
	case mirrorInsertCluster:
		return o.store.InsertClusterRecord(ctx, op.record)
	case mirrorClusterStatus:
		err := o.store.UpdateClusterRecordStatus(ctx, op.record.ID, op.record.Status)
		if !errors.Is(err, ErrNotFound) || op.record.OrgID == "" || op.record.FileID == "" {
			return err
		}
		o.logger.Warn("cluster mirror row missing, recreating", "cluster_id", op.record.ID, "org_id", op.record.OrgID)
		return o.store.InsertClusterRecord(ctx, op.record)
	default:
		return fmt.Errorf("%w: mirror op %d", ErrInvalidInput, op.kind)
	}
}
