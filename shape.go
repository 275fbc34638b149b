package meow

// === Shape system: hidden classes for instance layouts ===
//
// A shape records property-name → field-offset for every instance sharing
// one creation history, plus the transition table to successor shapes.
// Shapes form an inverted tree rooted at the heap's empty shape; children
// never point back at parents. Both maps are small flat maps probed
// linearly — property counts stay in the single digits and the interned-key
// compare is one pointer word.

type shapeProperty struct {
	name   *String
	offset uint32
}

type shapeTransition struct {
	name *String
	next *Shape
}

// Shape is a hidden class.
type Shape struct {
	Object
	properties  []shapeProperty
	transitions []shapeTransition
	fieldCount  uint32
}

// FieldCount reports how many fields an instance with this shape holds.
func (s *Shape) FieldCount() int { return int(s.fieldCount) }

// Offset returns name's field offset, or false when the shape has no such
// property.
func (s *Shape) Offset(name *String) (uint32, bool) {
	for i := range s.properties {
		if s.properties[i].name == name {
			return s.properties[i].offset, true
		}
	}
	return 0, false
}

// Transition returns the successor shape for adding name, or nil.
func (s *Shape) Transition(name *String) *Shape {
	for i := range s.transitions {
		if s.transitions[i].name == name {
			return s.transitions[i].next
		}
	}
	return nil
}

// AddTransition returns the successor shape for appending name, creating
// and registering it on first use. Idempotent: instances that assign the
// same properties in the same order land on the same shape, which keeps
// property-site caches monomorphic.
func (s *Shape) AddTransition(name *String, h *Heap) *Shape {
	if next := s.Transition(name); next != nil {
		return next
	}
	next := h.NewShape()
	next.properties = make([]shapeProperty, len(s.properties), len(s.properties)+1)
	copy(next.properties, s.properties)
	next.properties = append(next.properties, shapeProperty{name, s.fieldCount})
	next.fieldCount = s.fieldCount + 1
	s.transitions = append(s.transitions, shapeTransition{name, next})
	return next
}
