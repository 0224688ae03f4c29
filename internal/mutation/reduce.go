package mutation

import "maps"

// Plan is the set of queue changes needed to absorb one incoming mutation.
// At most one of Merge and Append is set. When both are nil and Remove is
// non-empty the incoming mutation annihilated pending work. When all three
// are empty the incoming mutation was a no-op and Existing names the entry
// that already covers it.
type Plan struct {
	// Remove lists pending entry ids to delete.
	Remove []string
	// Merge replaces the payload of an existing entry, keeping its id,
	// position and creation time.
	Merge *Merged
	// Append is a new entry to add at the tail.
	Append *Mutation
	// Existing is the id of a pending entry that absorbs a no-op.
	Existing string
}

// Merged is an in-place rewrite of a pending entry.
type Merged struct {
	ID       string
	Mutation Mutation
}

// Reduce decides how next combines with the pending entries for the same
// (entity, entity id). pending must be in creation order and contain only
// unsynced entries for that key.
//
// Rules:
//   - update after a pending add merges into the add
//   - update after a pending update merges into that update
//   - update after a pending delete fails with ErrDeleted
//   - delete after a pending add removes the add and any update: nothing
//     needs to reach the server
//   - delete after a pending update drops the update and appends the delete
//   - delete after a pending delete is a no-op
//   - add after a pending add or update merges into it
//   - add after a pending delete is appended: the record is re-created
//
// Merges are shallow; keys in next overwrite keys already pending.
func Reduce(pending []Entry, next Mutation) (Plan, error) {
	if err := next.Validate(); err != nil {
		return Plan{}, err
	}

	var add, update, del *Entry
	for i := range pending {
		e := &pending[i]
		switch e.Payload.Operation {
		case OpAdd:
			add = e
		case OpUpdate:
			update = e
		case OpDelete:
			del = e
		}
	}

	switch next.Operation {
	case OpAdd:
		switch {
		case add != nil:
			return Plan{Merge: merge(add, next.Payload)}, nil
		case update != nil:
			return Plan{Merge: merge(update, next.Payload)}, nil
		}
		return Plan{Append: &next}, nil

	case OpUpdate:
		switch {
		case add != nil:
			return Plan{Merge: merge(add, next.Payload)}, nil
		case del != nil:
			return Plan{}, ErrDeleted
		case update != nil:
			return Plan{Merge: merge(update, next.Payload)}, nil
		}
		return Plan{Append: &next}, nil

	case OpDelete:
		switch {
		case add != nil:
			plan := Plan{Remove: []string{add.ID}}
			if update != nil {
				plan.Remove = append(plan.Remove, update.ID)
			}
			return plan, nil
		case del != nil:
			return Plan{Existing: del.ID}, nil
		}
		next.Payload = nil
		plan := Plan{Append: &next}
		if update != nil {
			plan.Remove = []string{update.ID}
		}
		return plan, nil
	}
	return Plan{}, ErrInvalidOperation
}

func merge(e *Entry, patch map[string]any) *Merged {
	m := e.Payload
	payload := make(map[string]any, len(m.Payload)+len(patch))
	maps.Copy(payload, m.Payload)
	maps.Copy(payload, patch)
	m.Payload = payload
	return &Merged{ID: e.ID, Mutation: m}
}
