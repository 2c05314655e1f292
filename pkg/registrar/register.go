package registrar

import (
	"context"
	"errors"

	"gridstore/pkg/catalog"
	"gridstore/pkg/errcode"
	"gridstore/pkg/physical"
	"gridstore/pkg/resource"
	"gridstore/pkg/types"

	"go.uber.org/zap"
)

// RegisterReplica records dst as a replica of src's object and returns
// its replica number. Registering the same (data id, hierarchy, physical
// path) again returns the existing number without a second row.
//
// After the row is committed the physical copy is checked: a size that
// differs from src.Size (unless opts.ExplicitSize) and, when src carries
// a checksum, a differing checksum are written back in one bookkeeping
// update that demotes no sibling. Verification errors are returned with
// the replica number; the row stays.
func (r *Registrar) RegisterReplica(ctx context.Context, src, dst types.Descriptor, opts types.RegisterOptions) (int, error) {
	if dst.DataID <= 0 {
		return 0, errcode.New(errcode.SysInvalidInputParam, "destination data id is required")
	}
	if dst.Hierarchy == "" {
		return 0, errcode.New(errcode.SysInvalidInputParam, "destination hierarchy is required")
	}
	leaf, err := r.tree.LeafNode(dst.Hierarchy)
	if err != nil {
		return 0, errcode.Wrap(errcode.HierarchyError, err, "")
	}
	if err := physical.ValidatePath(dst.PhysicalPath); err != nil {
		return 0, errcode.Wrap(errcode.SysInvalidFilePath, err, "")
	}

	// Elevation lives only in this call.
	elevated := opts.AdminOverride || opts.TemporaryElevation
	if !elevated && opts.Caller != dst.Object.Owner {
		return 0, errcode.New(errcode.CatNoAccessPermission, "%q may not register replicas of %s owned by %q",
			opts.Caller, dst.Object.Path, dst.Object.Owner)
	}

	row := types.Replica{
		DataID:       dst.DataID,
		LogicalPath:  dst.Object.Path,
		Owner:        dst.Object.Owner,
		Hierarchy:    dst.Hierarchy,
		ResourceName: leaf.Name,
		PhysicalPath: dst.PhysicalPath,
		Size:         src.Size,
		Checksum:     src.Checksum,
		Status:       dst.Status,
	}

	err = r.router.Update(ctx, func(tx catalog.Tx) error {
		res := tx.InsertReplica(ctx, row)
		if res.Kind != catalog.InsertCreated {
			return res.Err
		}
		row.ReplicaNumber = res.ReplicaNumber
		return nil
	})
	if err != nil {
		if !catalog.IsRaceSignal(err) {
			r.metrics.ObserveRegistration("failed")
			return 0, err
		}
		existing, findErr := r.findRegistered(ctx, dst.DataID, leaf.Name, dst.PhysicalPath)
		if findErr != nil {
			r.metrics.ObserveRegistration("failed")
			r.logger.Warn("Registration race signalled but no matching replica found",
				zap.Int64("data_id", int64(dst.DataID)),
				zap.String("hierarchy", dst.Hierarchy),
				zap.String("physical_path", dst.PhysicalPath),
				zap.NamedError("find_error", findErr),
				zap.Error(err))
			return 0, err
		}
		r.metrics.ObserveRegistration("race_recovered")
		r.logger.Info("Replica already registered by a concurrent writer",
			zap.Int64("data_id", int64(dst.DataID)),
			zap.String("hierarchy", dst.Hierarchy),
			zap.Int("replica_number", existing.ReplicaNumber))
		return existing.ReplicaNumber, nil
	}

	r.metrics.ObserveRegistration("created")
	r.logger.Info("Registered replica",
		zap.Int64("data_id", int64(row.DataID)),
		zap.String("hierarchy", row.Hierarchy),
		zap.String("physical_path", row.PhysicalPath),
		zap.Int("replica_number", row.ReplicaNumber))

	if err := r.verify(ctx, leaf, &row, src, opts, elevated); err != nil {
		return row.ReplicaNumber, err
	}

	err = r.notify(ctx, row, types.ModifiedFlags{
		AdminOverride:            opts.AdminOverride,
		TemporaryElevation:       opts.TemporaryElevation,
		ParentDrivenMetadataOnly: opts.ParentDrivenMetadataOnly,
		OpenType:                 opts.OpenType,
	})
	return row.ReplicaNumber, err
}

// findRegistered is the single read that follows a registration race.
func (r *Registrar) findRegistered(ctx context.Context, dataID types.DataID, resourceName, physicalPath string) (types.Replica, error) {
	var found types.Replica
	err := r.router.View(ctx, func(tx catalog.Tx) error {
		var err error
		found, err = tx.FindReplica(ctx, catalog.Query{
			DataID:       dataID,
			ResourceName: resourceName,
			PhysicalPath: physicalPath,
		})
		return err
	})
	return found, err
}

// verify reads the physical copy through the inspector, which reaches the
// server named by leaf.Host, compares it with what src claimed and corrects
// the committed row in place.
func (r *Registrar) verify(ctx context.Context, leaf *resource.Node, row *types.Replica, src types.Descriptor, opts types.RegisterOptions, elevated bool) error {
	if r.inspector == nil {
		return nil
	}
	info, err := r.inspector.Inspect(ctx, leaf, row.PhysicalPath, src.Checksum)
	if errors.Is(err, physical.ErrNoStore) {
		r.logger.Debug("No physical store for resource type, skipping verification",
			zap.String("resource", leaf.Name),
			zap.String("type", leaf.Type),
			zap.String("host", leaf.Host))
		return nil
	}
	if err != nil {
		r.logger.Error("Failed to inspect registered replica",
			zap.String("physical_path", row.PhysicalPath),
			zap.String("host", leaf.Host),
			zap.Error(err))
		return errcode.Wrap(errcode.SysInternalErr, err, "inspect registered replica")
	}

	var updates types.Updates
	if info.Size != src.Size && !opts.ExplicitSize {
		size := info.Size
		updates.Size = &size
		r.metrics.ObserveCorrection("size")
	}
	if src.Checksum != "" && info.Checksum != src.Checksum {
		sum := info.Checksum
		updates.Checksum = &sum
		r.metrics.ObserveCorrection("checksum")
	}
	if updates.Empty() {
		return nil
	}

	r.logger.Info("Correcting registered replica from physical copy",
		zap.Int64("data_id", int64(row.DataID)),
		zap.Int("replica_number", row.ReplicaNumber),
		zap.Bool("size", updates.Size != nil),
		zap.Bool("checksum", updates.Checksum != nil))

	num := row.ReplicaNumber
	err = r.UpdateReplicaMetadata(ctx,
		types.Selector{DataID: row.DataID, ReplicaNumber: &num},
		updates,
		types.UpdateFlags{
			Caller:                   opts.Caller,
			AdminOverride:            elevated,
			NoDemote:                 true,
			ParentDrivenMetadataOnly: opts.ParentDrivenMetadataOnly,
		})
	if err != nil {
		return err
	}
	updates.Apply(row)
	return nil
}
