package state

import "sort"

// Change is one field whose value differs from the stored snapshot.
// Old is nil when the field was not present before.
type Change struct {
	Field Field
	Old   any
	New   any
}

// ChangeSet is the field-level delta produced by one Apply. Changes are
// sorted by field name.
type ChangeSet struct {
	DeviceID string
	Group    Group
	Source   Source
	Changes  []Change
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool { return len(c.Changes) == 0 }

// Has reports whether f changed.
func (c ChangeSet) Has(f Field) bool {
	_, ok := c.Get(f)
	return ok
}

// Get returns the change for f.
func (c ChangeSet) Get(f Field) (Change, bool) {
	i := sort.Search(len(c.Changes), func(i int) bool { return c.Changes[i].Field >= f })
	if i < len(c.Changes) && c.Changes[i].Field == f {
		return c.Changes[i], true
	}
	return Change{}, false
}

// Fields returns the names of the changed fields in order.
func (c ChangeSet) Fields() []Field {
	out := make([]Field, len(c.Changes))
	for i, ch := range c.Changes {
		out[i] = ch.Field
	}
	return out
}
