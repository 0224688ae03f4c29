package mutation

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by the mutation queue.
var (
	ErrInvalidEntity    = errors.New("mutation: invalid entity")
	ErrInvalidOperation = errors.New("mutation: invalid operation")
	ErrMissingEntityID  = errors.New("mutation: missing entity id")
	ErrDeleted          = errors.New("mutation: entity has a pending delete")
)

// Entity is the closed set of secondary entities the device can edit
// offline. Each maps to the remote table of the same name.
type Entity string

const (
	EntityCustomers             Entity = "customers"
	EntityServices              Entity = "services"
	EntityPlans                 Entity = "plans"
	EntityOffers                Entity = "offers"
	EntityCombos                Entity = "combos"
	EntityCustomerSubscriptions Entity = "customer_subscriptions"
)

// Entities returns every entity kind in a fixed order.
func Entities() []Entity {
	return []Entity{
		EntityCustomers,
		EntityServices,
		EntityPlans,
		EntityOffers,
		EntityCombos,
		EntityCustomerSubscriptions,
	}
}

// Valid reports whether e is a known entity.
func (e Entity) Valid() bool {
	switch e {
	case EntityCustomers, EntityServices, EntityPlans, EntityOffers, EntityCombos, EntityCustomerSubscriptions:
		return true
	}
	return false
}

// Table returns the remote table backing e.
func (e Entity) Table() string {
	return string(e)
}

// ParseEntity converts a string to an Entity.
func ParseEntity(s string) (Entity, error) {
	e := Entity(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntity, s)
	}
	return e, nil
}

// Operation is what a mutation does to its entity.
type Operation string

const (
	OpAdd    Operation = "add"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpAdd, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation converts a string to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
	return op, nil
}

// Resolution records how a replayed mutation was settled.
type Resolution string

const (
	ResolutionNone   Resolution = "none"
	ResolutionServer Resolution = "resolved-server"
	ResolutionLocal  Resolution = "resolved-local"
)

// Mutation is the persisted payload of one mutation entry.
type Mutation struct {
	Entity     Entity         `json:"entity"`
	Operation  Operation      `json:"operation"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Resolution Resolution     `json:"resolution"`
}

// Validate checks the tags and target id.
func (m Mutation) Validate() error {
	if !m.Entity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEntity, m.Entity)
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, m.Operation)
	}
	if m.EntityID == "" {
		return ErrMissingEntityID
	}
	return nil
}

// Resolve applies the conflict policy: a remote record modified after the
// mutation was created offline wins, and the mutation is discarded.
// Otherwise the local mutation applies.
func Resolve(createdAt, remoteModified time.Time, remoteExists bool) Resolution {
	if remoteExists && remoteModified.After(createdAt) {
		return ResolutionServer
	}
	return ResolutionLocal
}
