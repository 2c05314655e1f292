package types

// RequestKind names what a client asked a server to do.
type RequestKind string

const (
	KindCreate     RequestKind = "create"
	KindOpen       RequestKind = "open"
	KindWrite      RequestKind = "write"
	KindUnlink     RequestKind = "unlink"
	KindRegister   RequestKind = "register"
	KindUpdate     RequestKind = "update"
	KindUnregister RequestKind = "unregister"

	// KindInspect reads a physical copy on the server that holds it.
	KindInspect RequestKind = "inspect"
)

// Operation maps a data request kind to the operation voted on. Catalog
// kinds return false.
func (k RequestKind) Operation() (Operation, bool) {
	switch k {
	case KindCreate:
		return OpCreate, true
	case KindOpen:
		return OpOpen, true
	case KindWrite:
		return OpWrite, true
	case KindUnlink:
		return OpUnlink, true
	}
	return "", false
}

// IsCatalog reports whether the request only mutates the catalog.
func (k RequestKind) IsCatalog() bool {
	switch k {
	case KindRegister, KindUpdate, KindUnregister:
		return true
	}
	return false
}

// Request is forwarded verbatim between servers. Once Resolved is set the
// hierarchy is frozen and no server re-votes it.
type Request struct {
	ID         string        `json:"id"`
	Kind       RequestKind   `json:"kind"`
	Object     LogicalObject `json:"object"`
	DataID     DataID        `json:"data_id,omitempty,string"`
	Caller     string        `json:"caller"`
	RootHint   string        `json:"root_hint,omitempty"`
	Resolved   string        `json:"resolved,omitempty"`
	ConfinedTo string        `json:"confined_to,omitempty"`
	Size       int64         `json:"size,omitempty,string"`
	Replicas   []Replica     `json:"replicas,omitempty"`
	Hops       int           `json:"hops,omitempty"`

	Register   *RegisterArgs   `json:"register,omitempty"`
	Update     *UpdateArgs     `json:"update,omitempty"`
	Unregister *UnregisterArgs `json:"unregister,omitempty"`
	Inspect    *InspectArgs    `json:"inspect,omitempty"`
}

// RegisterArgs carries a register request.
type RegisterArgs struct {
	Source      Descriptor      `json:"source"`
	Destination Descriptor      `json:"destination"`
	Options     RegisterOptions `json:"options"`
}

// UpdateArgs carries an update request.
type UpdateArgs struct {
	Selector Selector    `json:"selector"`
	Updates  Updates     `json:"updates"`
	Flags    UpdateFlags `json:"flags"`
}

// UnregisterArgs carries an unregister request.
type UnregisterArgs struct {
	Selector Selector    `json:"selector"`
	Flags    UpdateFlags `json:"flags"`
}

// InspectArgs names a physical copy by the leaf resource holding it.
// ChecksumLike, when set, asks for a checksum in the same scheme.
type InspectArgs struct {
	Resource     string `json:"resource"`
	PhysicalPath string `json:"physical_path"`
	ChecksumLike string `json:"checksum_like,omitempty"`
}

// Response is returned unmodified across forwarding hops.
type Response struct {
	RequestID     string `json:"request_id"`
	Status        int    `json:"status"`
	Message       string `json:"message,omitempty"`
	Hierarchy     string `json:"hierarchy,omitempty"`
	Host          string `json:"host,omitempty"`
	ExecutedBy    string `json:"executed_by,omitempty"`
	PhysicalPath  string `json:"physical_path,omitempty"`
	ReplicaNumber int    `json:"replica_number"`

	// Set by inspect requests. Inspected is false when the server has no
	// store for the resource type.
	Inspected bool   `json:"inspected,omitempty"`
	Size      int64  `json:"size,omitempty,string"`
	Checksum  string `json:"checksum,omitempty"`
}
