package catalog

import (
	"context"

	"gridstore/pkg/errcode"
	"gridstore/pkg/types"

	"go.uber.org/zap"
)

// Router gates catalog access on the process role. The role is fixed at
// construction; only a provider ever opens a transaction.
type Router struct {
	role   types.CatalogRole
	client Client
	logger *zap.Logger
}

// NewRouter returns a router for role. client may be nil on consumers.
func NewRouter(role types.CatalogRole, client Client, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{role: role, client: client, logger: logger}
}

// Role returns the role fixed at construction.
func (r *Router) Role() types.CatalogRole { return r.role }

// Check returns nil when this process may touch the catalog.
func (r *Router) Check() error {
	switch r.role {
	case types.RoleProvider:
		if r.client == nil {
			return errcode.New(errcode.SysInternalErr, "provider has no catalog client")
		}
		return nil
	case types.RoleConsumer:
		return errcode.New(errcode.SysNoRcatServerErr, "catalog operations must run on the provider")
	default:
		return errcode.New(errcode.SysServiceRoleNotSupported, "role %q is not supported", r.role)
	}
}

// Update runs fn in a read-write transaction, committing when fn returns
// nil and rolling back otherwise.
func (r *Router) Update(ctx context.Context, fn func(tx Tx) error) error {
	return r.run(ctx, fn, true)
}

// View runs fn in a transaction that is always rolled back.
func (r *Router) View(ctx context.Context, fn func(tx Tx) error) error {
	return r.run(ctx, fn, false)
}

func (r *Router) run(ctx context.Context, fn func(tx Tx) error, commit bool) error {
	if err := r.Check(); err != nil {
		r.logger.Warn("Rejected catalog access", zap.String("role", string(r.role)), zap.Error(err))
		return err
	}
	if err := ctx.Err(); err != nil {
		return errcode.Wrap(errcode.SysInternalErr, err, "catalog transaction not started")
	}

	tx, err := r.client.Begin(ctx)
	if err != nil {
		if errcode.CodeOf(err) == errcode.SysInternalErr {
			return errcode.Wrap(errcode.CatStoreErr, err, "begin transaction")
		}
		return err
	}

	// Rolled back on error or panic in fn; a panicking fn must not leave
	// the backend holding its transaction.
	finished := false
	defer func() {
		if finished {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("Rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	finished = true

	if !commit {
		return tx.Rollback()
	}
	return tx.Commit()
}
