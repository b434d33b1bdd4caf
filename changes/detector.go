// Package changes detects field-level differences between two versions of
// an entity and resets named fields to their absent state.
//
// The detector operates over an explicitly declared field list instead of
// runtime struct introspection. Each entity type registers the fields it
// wants compared, and only those fields participate in change detection
// and clearing.
package changes

// Field describes one named field of an entity type.
//
// Get extracts the field's current value. Equal, when set, overrides the
// default value comparison; fields whose values are not comparable with ==
// (slices, maps) must supply it. Clear resets the field to its absent or
// zero state in place; fields with non-nullable primitive semantics leave
// it nil and are skipped by ClearFields.
type Field[T any] struct {
	Name  string
	Get   func(T) any
	Equal func(old, new T) bool
	Clear func(T)
}

// Detector compares two versions of an entity field by field.
// It is pure and stateless; a single instance may be shared freely.
type Detector[T any] struct {
	fields []Field[T]
	byName map[string]Field[T]
}

// NewDetector builds a detector from the declared field list.
// Fields without a Get func are ignored.
func NewDetector[T any](fields ...Field[T]) *Detector[T] {
	d := &Detector[T]{
		fields: make([]Field[T], 0, len(fields)),
		byName: make(map[string]Field[T], len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" || f.Get == nil {
			continue
		}
		d.fields = append(d.fields, f)
		d.byName[f.Name] = f
	}
	return d
}

// FieldNames returns the names of all declared fields, in declaration order.
func (d *Detector[T]) FieldNames() []string {
	names := make([]string, len(d.fields))
	for i, f := range d.fields {
		names[i] = f.Name
	}
	return names
}

// DetectChanges compares every declared field of the two entity versions
// and returns the new value of each field that differs. A field that went
// from absent to present counts as changed. An empty result means the two
// versions are field-equal.
func (d *Detector[T]) DetectChanges(old, new T) map[string]any {
	changes := make(map[string]any)
	for _, f := range d.fields {
		if !fieldEqual(f, old, new) {
			changes[f.Name] = f.Get(new)
		}
	}
	return changes
}

// DetectChangesIn restricts the comparison to the named fields.
// Names that do not match a declared field are skipped.
func (d *Detector[T]) DetectChangesIn(old, new T, names []string) map[string]any {
	changes := make(map[string]any)
	for _, name := range names {
		f, ok := d.byName[name]
		if !ok {
			continue
		}
		if !fieldEqual(f, old, new) {
			changes[f.Name] = f.Get(new)
		}
	}
	return changes
}

// ClearFields resets each named field of the entity to its absent state,
// in place. Fields without a Clear func (non-nullable primitive semantics)
// and names that do not match a declared field are left untouched.
func (d *Detector[T]) ClearFields(entity T, names []string) {
	for _, name := range names {
		f, ok := d.byName[name]
		if !ok || f.Clear == nil {
			continue
		}
		f.Clear(entity)
	}
}

func fieldEqual[T any](f Field[T], old, new T) bool {
	if f.Equal != nil {
		return f.Equal(old, new)
	}
	return safeEqual(f.Get(old), f.Get(new))
}

// safeEqual compares two values with ==. Values of uncomparable dynamic
// types are reported as unequal rather than panicking, so a misdeclared
// field degrades to "always changed" instead of failing the caller.
func safeEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
