package optimistic

import (
	"context"
	"fmt"

	"chatrelay/internal/models"
)

// Kind is the type of a user mutation.
type Kind int

const (
	Create Kind = iota
	Edit
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Edit:
		return "edit"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Commit is what a CommitFunc receives. TargetID is the authoritative id of
// the entity an edit or delete applies to, resolved after any pending create
// of that entity confirmed.
type Commit struct {
	Kind     Kind
	LocalID  string
	TargetID string
	Draft    models.Message
}

// CommitFunc performs the authoritative backend call. Creates and edits
// return the authoritative entity; deletes may return nil.
type CommitFunc func(ctx context.Context, c Commit) (*models.Message, error)

// Mutation is one user intent. Target names the entity for edits and
// deletes, by server id or by the local id of a pending create.
type Mutation struct {
	Kind   Kind
	Target string
	Draft  models.Message
	Commit CommitFunc
}

// op is a mutation from intent to settlement. Edits and deletes are
// overlays on the visible collection until they settle.
type op struct {
	seq      uint64
	localID  string
	mutation Mutation
	entity   string
	state    models.RecordState
	err      string
	server   *models.Message
	done     chan struct{}
	// overlay marks edits and deletes whose local effect is currently applied.
	overlay bool
}

func (o *op) record() models.OptimisticRecord {
	rec := models.OptimisticRecord{
		LocalID: o.localID,
		State:   o.state,
		Error:   o.err,
	}
	if o.server != nil {
		s := *o.server
		rec.ServerEntity = &s
	}
	return rec
}

// item is one entity in the visible collection, in natural order.
type item struct {
	msg     models.Message
	localID string
	state   models.RecordState
	err     string
}
