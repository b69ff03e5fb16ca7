package store

import (
	"time"

	"github.com/franksops/gridconveyor/grid"
)

// TransferType is the kind of bulk operation a descriptor performs.
type TransferType string

const (
	TypePut         TransferType = "PUT"
	TypeGet         TransferType = "GET"
	TypeReplicate   TransferType = "REPLICATE"
	TypeSynchronize TransferType = "SYNCHRONIZE"
)

// Valid reports whether t is a known transfer type.
func (t TransferType) Valid() bool {
	switch t {
	case TypePut, TypeGet, TypeReplicate, TypeSynchronize:
		return true
	}
	return false
}

// State is the lifecycle position of a descriptor.
type State string

const (
	StateEnqueued   State = "ENQUEUED"
	StateProcessing State = "PROCESSING"
	StatePaused     State = "PAUSED"
	StateComplete   State = "COMPLETE"
	StateCancelled  State = "CANCELLED"
	StateFailed     State = "FAILED"
)

// ErrorInfo records why a descriptor failed or was retried.
type ErrorInfo struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Descriptor is the durable record of one bulk transfer.
type Descriptor struct {
	// ID is unique across the store. Callers may set it before enqueueing;
	// otherwise the queue assigns a UUID.
	ID         string       `json:"id"`
	Type       TransferType `json:"type"`
	LocalPath  string       `json:"local_path"`
	RemotePath string       `json:"remote_path"`

	// TargetResource is the destination zone of a REPLICATE transfer.
	TargetResource string `json:"target_resource,omitempty"`

	Account grid.Account `json:"account"`
	State   State        `json:"state"`

	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`

	TotalFiles       int   `json:"total_files"`
	FilesTransferred int   `json:"files_transferred"`
	TotalBytes       int64 `json:"total_bytes"`
	BytesTransferred int64 `json:"bytes_transferred"`

	RetryCount int        `json:"retry_count"`
	Error      *ErrorInfo `json:"error,omitempty"`

	// Seq orders ENQUEUED descriptors. Zero asks the store to assign the
	// next sequence, placing the descriptor at the back of the queue.
	Seq uint64 `json:"seq"`
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	if d.Error != nil {
		e := *d.Error
		c.Error = &e
	}
	return &c
}

// MicroserviceRef names a microservice and its construction parameters.
type MicroserviceRef struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// FlowRecord is the persisted registration of a flow spec.
type FlowRecord struct {
	Name          string            `json:"name" yaml:"name"`
	Action        string            `json:"action" yaml:"action"`
	Host          string            `json:"host,omitempty" yaml:"host,omitempty"`
	Zone          string            `json:"zone,omitempty" yaml:"zone,omitempty"`
	PreOperation  []MicroserviceRef `json:"pre_operation,omitempty" yaml:"pre_operation,omitempty"`
	PreFile       []MicroserviceRef `json:"pre_file,omitempty" yaml:"pre_file,omitempty"`
	PostFile      []MicroserviceRef `json:"post_file,omitempty" yaml:"post_file,omitempty"`
	PostOperation []MicroserviceRef `json:"post_operation,omitempty" yaml:"post_operation,omitempty"`
	OnError       []MicroserviceRef `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	// Seq preserves registration order across restarts.
	Seq uint64 `json:"seq" yaml:"-"`
}

// Direction restricts which way a synchronization relationship copies.
type Direction string

const (
	DirectionBoth Direction = "both"
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// SyncRelationship pairs a local tree with a remote tree to keep in sync.
type SyncRelationship struct {
	Name       string       `json:"name" yaml:"name"`
	LocalPath  string       `json:"local_path" yaml:"local_path"`
	RemotePath string       `json:"remote_path" yaml:"remote_path"`
	Account    grid.Account `json:"account" yaml:"account"`
	Direction  Direction    `json:"direction" yaml:"direction"`
	Enabled    bool         `json:"enabled" yaml:"enabled"`
}
