package orchestrator

import (
	"context"
	"time"

	"github.com/ontable/holdem/pkg/engine"
	"github.com/ontable/holdem/pkg/serializer"
)

// withTable runs fn under the per-table serializer with the current
// Table+TableState loaded. If fn reports mutated=true, the state's version
// is bumped, persisted, and republished before returning — apart from
// CreateTable's initial version-1 save, this is the only path by which
// TableState is written, so invariant 3 (version strictly increases on every
// persisted mutation) holds by construction.
func withTable[T any](ctx context.Context, o *Orchestrator, tableID string, fn func(ctx context.Context, table *engine.Table, state *engine.TableState) (T, bool, error)) (T, error) {
	return serializer.Run(ctx, o.tableQ, tableID, func(ctx context.Context) (T, error) {
		var zero T
		table, err := o.store.LoadTable(ctx, tableID)
		if err != nil {
			return zero, engine.NewError(engine.ErrInternal, err.Error())
		}
		if table == nil {
			return zero, engine.NewError(engine.ErrTableNotFound, tableID)
		}
		state, err := o.store.LoadState(ctx, tableID)
		if err != nil {
			return zero, engine.NewError(engine.ErrInternal, err.Error())
		}
		if state == nil {
			state = engine.NewTableState(tableID, table.Config.MaxPlayers)
		}

		result, mutated, ferr := fn(ctx, table, state)
		if mutated {
			state.Version++
			state.UpdatedAt = time.Now()
			if err := o.store.SaveState(ctx, state); err != nil {
				return zero, engine.NewError(engine.ErrInternal, err.Error())
			}
			o.publishSnapshot(ctx, state)
		}
		return result, ferr
	})
}
