package registrar

import (
	"context"
	"fmt"

	"gridstore/pkg/catalog"
	"gridstore/pkg/errcode"
	"gridstore/pkg/physical"
	"gridstore/pkg/types"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// UpdateReplicaMetadata applies upd to the selected replicas.
//
// For a single replica the target becomes good unless upd sets a status
// or flags.NoDemote is set, and when it ends up good every other good or
// intermediate sibling is marked stale in the same transaction. With
// AllCopies each replica is updated independently, nothing is demoted,
// and failures are collected so one bad row does not stop the rest.
//
// The notifier runs only for content changing open types.
func (r *Registrar) UpdateReplicaMetadata(ctx context.Context, sel types.Selector, upd types.Updates, flags types.UpdateFlags) error {
	if err := validateSelector(sel); err != nil {
		return err
	}
	if upd.Empty() {
		return errcode.New(errcode.SysInvalidInputParam, "no fields to update")
	}
	if upd.PhysicalPath != nil {
		if err := physical.ValidatePath(*upd.PhysicalPath); err != nil {
			return errcode.Wrap(errcode.SysInvalidFilePath, err, "")
		}
	}

	var (
		changed []types.Replica
		saved   error
		demoted int
	)
	err := r.router.Update(ctx, func(tx catalog.Tx) error {
		changed, saved, demoted = nil, nil, 0

		if sel.AllCopies {
			rows, err := tx.ListReplicas(ctx, sel.DataID)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return errcode.New(errcode.CatNoRowsFound, "data id %d has no replicas", sel.DataID)
			}
			for _, row := range rows {
				if err := checkOwner(row, flags.Caller, flags.AdminOverride); err != nil {
					saved = multierr.Append(saved, err)
					continue
				}
				upd.Apply(&row)
				if err := tx.UpdateReplica(ctx, row); err != nil {
					saved = multierr.Append(saved, fmt.Errorf("replica %d: %w", row.ReplicaNumber, err))
					continue
				}
				changed = append(changed, row)
			}
			if len(changed) == 0 {
				return saved
			}
			return nil
		}

		target, err := tx.FindReplica(ctx, queryFor(sel))
		if err != nil {
			return err
		}
		if err := checkOwner(target, flags.Caller, flags.AdminOverride); err != nil {
			return err
		}
		upd.Apply(&target)
		if upd.Status == nil && !flags.NoDemote {
			target.Status = types.StatusGood
		}
		if err := tx.UpdateReplica(ctx, target); err != nil {
			return err
		}
		if !flags.NoDemote && target.Status == types.StatusGood {
			n, err := tx.DemoteSiblings(ctx, sel.DataID, target.ReplicaNumber)
			if err != nil {
				return err
			}
			demoted = n
		}
		changed = []types.Replica{target}
		return nil
	})
	if err != nil {
		r.metrics.ObserveUpdate("failed")
		return err
	}

	r.metrics.ObserveDemotions(demoted)
	outcome := "ok"
	if saved != nil {
		outcome = "partial"
		r.logger.Warn("Some replicas were not updated",
			zap.Int64("data_id", int64(sel.DataID)),
			zap.Int("updated", len(changed)),
			zap.Error(saved))
	}
	r.metrics.ObserveUpdate(outcome)
	r.logger.Debug("Updated replica metadata",
		zap.Int64("data_id", int64(sel.DataID)),
		zap.Int("updated", len(changed)),
		zap.Int("demoted", demoted),
		zap.Bool("all_copies", sel.AllCopies))

	if flags.OpenType.ChangesContent() {
		mf := types.ModifiedFlags{
			AdminOverride:            flags.AdminOverride,
			ParentDrivenMetadataOnly: flags.ParentDrivenMetadataOnly,
			OpenType:                 flags.OpenType,
		}
		for _, row := range changed {
			if err := r.notify(ctx, row, mf); err != nil {
				saved = multierr.Append(saved, err)
			}
		}
	}
	return saved
}

// UnregisterReplica removes the selected replica rows. Removing every
// copy requires AllCopies.
func (r *Registrar) UnregisterReplica(ctx context.Context, sel types.Selector, flags types.UpdateFlags) error {
	if err := validateSelector(sel); err != nil {
		return err
	}

	var removed []int
	err := r.router.Update(ctx, func(tx catalog.Tx) error {
		removed = nil

		var targets []types.Replica
		if sel.AllCopies {
			rows, err := tx.ListReplicas(ctx, sel.DataID)
			if err != nil {
				return err
			}
			targets = rows
		} else {
			row, err := tx.FindReplica(ctx, queryFor(sel))
			if err != nil {
				return err
			}
			targets = []types.Replica{row}
		}
		if len(targets) == 0 {
			return errcode.New(errcode.CatNoRowsFound, "data id %d has no replicas", sel.DataID)
		}

		for _, row := range targets {
			if err := checkOwner(row, flags.Caller, flags.AdminOverride); err != nil {
				return err
			}
		}
		for _, row := range targets {
			if err := tx.DeleteReplica(ctx, row.DataID, row.ReplicaNumber); err != nil {
				return err
			}
			removed = append(removed, row.ReplicaNumber)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Unregistered replicas",
		zap.Int64("data_id", int64(sel.DataID)),
		zap.Ints("replica_numbers", removed))
	return nil
}
