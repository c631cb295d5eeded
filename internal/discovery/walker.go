package discovery

import (
	"reflect"
	"time"

	"recurq/internal/schedule"
)

// Node is implemented by configuration types that take part in discovery.
type Node interface {
	WalkConfig(w *Walker)
}

// Declaration marks a member as holding the schedule for one (queue, task type).
type Declaration struct {
	QueueID  string
	TaskType string

	// Expected lists the member types allowed to carry the schedule.
	// Empty means any Recurrence or time.Duration.
	Expected []reflect.Type
}

// Declare builds a Declaration.
func Declare(queueID, taskType string, expected ...reflect.Type) Declaration {
	return Declaration{QueueID: queueID, TaskType: taskType, Expected: expected}
}

// TypeOf is shorthand for reflect.TypeFor, for use in Declare.
func TypeOf[T any]() reflect.Type { return reflect.TypeFor[T]() }

var (
	recurrenceType  = reflect.TypeFor[schedule.Recurrence]()
	durationType    = reflect.TypeFor[time.Duration]()
	durationPtrType = reflect.TypeFor[*time.Duration]()
)

// allows reports whether a member of static type st may carry the declaration.
func (d Declaration) allows(st reflect.Type) bool {
	if len(d.Expected) == 0 {
		return st.Implements(recurrenceType) || st == durationType || st == durationPtrType || st.Kind() == reflect.Interface
	}
	for _, e := range d.Expected {
		if e != nil && st.AssignableTo(e) {
			return true
		}
	}
	return false
}

type member struct {
	name   string
	static reflect.Type
	value  func() any
	decls  []Declaration
}

// Walker collects the members announced by one Node.
type Walker struct {
	fields []member
	props  []member
}

// Field announces a stored member. T is the member's static type.
func Field[T any](w *Walker, name string, v T, decls ...Declaration) {
	w.fields = append(w.fields, member{
		name:   name,
		static: reflect.TypeFor[T](),
		value:  func() any { return v },
		decls:  decls,
	})
}

// Property announces a computed member. get is called once per scan.
func Property[T any](w *Walker, name string, get func() T, decls ...Declaration) {
	if get == nil {
		return
	}
	w.props = append(w.props, member{
		name:   name,
		static: reflect.TypeFor[T](),
		value:  func() any { return get() },
		decls:  decls,
	})
}
