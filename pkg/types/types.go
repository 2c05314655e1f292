package types

import (
	"fmt"
	"strings"
	"time"
)

// DataID identifies a data object in the catalog. Wire encodings carry it
// as a JSON string so values above 2^53 keep every digit.
type DataID int64

// Operation is the kind of data operation a hierarchy is resolved for.
type Operation string

const (
	OpCreate Operation = "create"
	OpOpen   Operation = "open"
	OpWrite  Operation = "write"
	OpUnlink Operation = "unlink"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpOpen, OpWrite, OpUnlink:
		return true
	}
	return false
}

// ReplicaStatus uses the catalog's persisted values.
type ReplicaStatus int

const (
	StatusStale        ReplicaStatus = 0
	StatusGood         ReplicaStatus = 1
	StatusIntermediate ReplicaStatus = 2
)

func (s ReplicaStatus) String() string {
	switch s {
	case StatusStale:
		return "stale"
	case StatusGood:
		return "good"
	case StatusIntermediate:
		return "intermediate"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// OpenType describes why a replica is being touched. Only OpenForWrite and
// OpenCreate change content.
type OpenType int

const (
	OpenNone OpenType = iota
	OpenForRead
	OpenForWrite
	OpenCreate
)

func (t OpenType) ChangesContent() bool {
	return t == OpenForWrite || t == OpenCreate
}

// CatalogRole is fixed at process start and never changes afterwards.
type CatalogRole string

const (
	RoleProvider CatalogRole = "provider"
	RoleConsumer CatalogRole = "consumer"
)

// LogicalObject is a data object's catalog path with its owner and zone.
type LogicalObject struct {
	Path  string `json:"path"`
	Owner string `json:"owner"`
	Zone  string `json:"zone"`
}

// ZoneOf returns the first component of an absolute logical path.
func ZoneOf(logicalPath string) string {
	trimmed := strings.TrimPrefix(logicalPath, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// Replica is one catalog row describing a physical copy.
type Replica struct {
	DataID        DataID        `json:"data_id,string"`
	ReplicaNumber int           `json:"replica_number"`
	LogicalPath   string        `json:"logical_path"`
	Owner         string        `json:"owner"`
	Hierarchy     string        `json:"hierarchy"`
	ResourceName  string        `json:"resource_name"`
	PhysicalPath  string        `json:"physical_path"`
	Size          int64         `json:"size,string"`
	Checksum      string        `json:"checksum"`
	Status        ReplicaStatus `json:"status"`
	ModifiedAt    time.Time     `json:"modified_at"`
}

// Descriptor identifies one side of a registration: the source copy whose
// size and checksum are claimed, or the destination copy being recorded.
type Descriptor struct {
	Object        LogicalObject `json:"object"`
	DataID        DataID        `json:"data_id,string"`
	ReplicaNumber int           `json:"replica_number"`
	Hierarchy     string        `json:"hierarchy"`
	PhysicalPath  string        `json:"physical_path"`
	Size          int64         `json:"size,string"`
	Checksum      string        `json:"checksum"`
	Status        ReplicaStatus `json:"status"`
}

// RegisterOptions carries the caller flags honored by replica registration.
type RegisterOptions struct {
	Caller                   string   `json:"caller"`
	AdminOverride            bool     `json:"admin_override,omitempty"`
	TemporaryElevation       bool     `json:"temporary_elevation,omitempty"`
	ExplicitSize             bool     `json:"explicit_size,omitempty"`
	ParentDrivenMetadataOnly bool     `json:"pdmo,omitempty"`
	OpenType                 OpenType `json:"open_type,omitempty"`
}

// Selector picks the replicas a metadata update applies to. ReplicaNumber
// and ResourceName are mutually exclusive, and neither may be combined
// with AllCopies.
type Selector struct {
	DataID        DataID `json:"data_id,string"`
	ReplicaNumber *int   `json:"replica_number,omitempty"`
	ResourceName  string `json:"resource_name,omitempty"`
	AllCopies     bool   `json:"all_copies,omitempty"`
}

// Updates lists the replica fields to change; nil fields are untouched.
type Updates struct {
	Size         *int64         `json:"size,omitempty,string"`
	Checksum     *string        `json:"checksum,omitempty"`
	Status       *ReplicaStatus `json:"status,omitempty"`
	PhysicalPath *string        `json:"physical_path,omitempty"`
}

func (u Updates) Empty() bool {
	return u.Size == nil && u.Checksum == nil && u.Status == nil && u.PhysicalPath == nil
}

// Apply copies the non-nil fields onto r.
func (u Updates) Apply(r *Replica) {
	if u.Size != nil {
		r.Size = *u.Size
	}
	if u.Checksum != nil {
		r.Checksum = *u.Checksum
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.PhysicalPath != nil {
		r.PhysicalPath = *u.PhysicalPath
	}
}

// UpdateFlags qualify a metadata update.
type UpdateFlags struct {
	Caller                   string   `json:"caller,omitempty"`
	AdminOverride            bool     `json:"admin_override,omitempty"`
	NoDemote                 bool     `json:"no_demote,omitempty"`
	ParentDrivenMetadataOnly bool     `json:"pdmo,omitempty"`
	OpenType                 OpenType `json:"open_type,omitempty"`
}

// ModifiedFlags are forwarded to resource plugins when a replica changes.
type ModifiedFlags struct {
	AdminOverride            bool
	TemporaryElevation       bool
	ParentDrivenMetadataOnly bool
	OpenType                 OpenType
}
