package resource

import (
	"context"
	"fmt"

	"gridstore/pkg/types"

	"go.uber.org/zap"
)

// TreeNotifier tells every plugin along a replica's hierarchy that the
// replica changed, leaf first.
type TreeNotifier struct {
	tree     *Tree
	registry *Registry
	logger   *zap.Logger
}

// NewTreeNotifier returns a notifier that walks tree with registry's voters.
func NewTreeNotifier(tree *Tree, registry *Registry, logger *zap.Logger) *TreeNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TreeNotifier{tree: tree, registry: registry, logger: logger}
}

func (n *TreeNotifier) NotifyModified(ctx context.Context, replica types.Replica, flags types.ModifiedFlags) error {
	leaf, err := n.tree.LeafNode(replica.Hierarchy)
	if err != nil {
		return fmt.Errorf("notify modified: %w", err)
	}

	for node := leaf; node != nil; node = node.Parent {
		v, ok := n.registry.Lookup(node.Type)
		if !ok {
			continue
		}
		hook, ok := v.(ModifiedNotifier)
		if !ok {
			continue
		}
		if err := hook.Modified(ctx, node, replica, flags); err != nil {
			return fmt.Errorf("resource %s rejected modification: %w", node.Name, err)
		}
	}

	n.logger.Debug("Replica modification delivered",
		zap.String("hierarchy", replica.Hierarchy),
		zap.Int("replica_number", replica.ReplicaNumber),
		zap.Bool("pdmo", flags.ParentDrivenMetadataOnly))
	return nil
}
