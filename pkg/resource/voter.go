package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gridstore/pkg/types"

	"github.com/mitchellh/mapstructure"
)

// VoteRequest is what a plugin sees when asked to score a node.
type VoteRequest struct {
	Operation   types.Operation
	LogicalPath string
	LocalHost   string
	Size        int64
	Replicas    []types.Replica
	Node        *Node
}

// ReplicasOnNode returns the replicas whose leaf is the voted node.
func (r VoteRequest) ReplicasOnNode() []types.Replica {
	var out []types.Replica
	for _, repl := range r.Replicas {
		name := repl.ResourceName
		if name == "" {
			name = LeafOf(repl.Hierarchy)
		}
		if name == r.Node.Name {
			out = append(out, repl)
		}
	}
	return out
}

// Voter scores a resource for an operation. Leaf plugins return a base
// score; coordinating plugins return a weight applied to every score below
// them. A score of zero or less removes the node from consideration.
type Voter interface {
	Vote(req VoteRequest) (float64, error)
}

// VoterFunc adapts a function to Voter.
type VoterFunc func(req VoteRequest) (float64, error)

func (f VoterFunc) Vote(req VoteRequest) (float64, error) { return f(req) }

// ModifiedNotifier is implemented by plugins that react when a replica
// under them changes.
type ModifiedNotifier interface {
	Modified(ctx context.Context, node *Node, replica types.Replica, flags types.ModifiedFlags) error
}

// Registry maps resource type names to their plugins. It is populated at
// startup from static configuration.
type Registry struct {
	mu     sync.RWMutex
	voters map[string]Voter
}

// NewRegistry returns a registry with no voters.
func NewRegistry() *Registry {
	return &Registry{voters: make(map[string]Voter)}
}

// Register adds a plugin for a resource type.
func (r *Registry) Register(typeName string, v Voter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if typeName == "" {
		return fmt.Errorf("resource type name is required")
	}
	if _, exists := r.voters[typeName]; exists {
		return fmt.Errorf("resource type %q already registered", typeName)
	}
	r.voters[typeName] = v
	return nil
}

// Lookup returns the plugin for a resource type.
func (r *Registry) Lookup(typeName string) (Voter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voters[typeName]
	return v, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.voters))
	for name := range r.voters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseContext splits a resource context string of the form
// "key=value;key=value" into a map.
func ParseContext(s string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(s, Separator) {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

// DecodeContext decodes a resource context string into a typed options
// struct using its mapstructure tags.
func DecodeContext(s string, out any) error {
	raw := ParseContext(s)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid resource context %q: %w", s, err)
	}
	return nil
}
