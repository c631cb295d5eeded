package discovery

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"recurq/internal/eventlog"
	"recurq/internal/schedule"
)

// Found is one schedule declaration together with its resolved value.
type Found struct {
	Declaration Declaration
	Recurrence  schedule.Recurrence
	Path        string
}

// Scanner walks configuration graphs. Validation problems are reported as
// warnings and never stop the scan.
type Scanner struct {
	events eventlog.Reporter
}

func NewScanner(events eventlog.Reporter) *Scanner {
	return &Scanner{events: events}
}

// Discover returns every valid schedule declaration reachable from root.
func (s *Scanner) Discover(root any) []Found {
	var out []Found
	s.walk("", reflect.ValueOf(root), &out)
	return out
}

func (s *Scanner) warn(msg string) {
	if s != nil && s.events != nil {
		s.events.Report(msg, eventlog.Warning)
	}
}

// walk recurses into containers element by element, and into Node values.
func (s *Scanner) walk(path string, v reflect.Value, out *[]Found) {
	if !v.IsValid() {
		return
	}
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return
		}
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			s.walk(fmt.Sprintf("%s[%d]", path, i), v.Index(i), out)
		}
		return
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface()) })
		for _, k := range keys {
			s.walk(fmt.Sprintf("%s[%v]", path, k.Interface()), v.MapIndex(k), out)
		}
		return
	}

	node := asNode(v)
	if node == nil {
		return
	}
	w := &Walker{}
	node.WalkConfig(w)
	for _, m := range w.fields {
		s.member(path, m, out)
	}
	for _, m := range w.props {
		s.member(path, m, out)
	}
}

func (s *Scanner) member(parent string, m member, out *[]Found) {
	path := m.name
	if parent != "" {
		path = parent + "." + m.name
	}
	val := m.value()

	for _, d := range m.decls {
		if !d.allows(m.static) {
			s.warn(fmt.Sprintf(
				"Found configuration schedule for queue %s and type %s at %s, but the member type %s is not one of the expected types (%s).",
				d.QueueID, d.TaskType, path, m.static, expectedNames(d.Expected)))
			continue
		}
		if isNil(val) {
			continue
		}
		r, ok := asRecurrence(val)
		if !ok {
			s.warn(fmt.Sprintf(
				"Found configuration schedule for queue %s and type %s at %s, but the value of type %T is not a recurring schedule.",
				d.QueueID, d.TaskType, path, val))
			continue
		}
		*out = append(*out, Found{Declaration: d, Recurrence: r, Path: path})
	}

	s.walk(path, reflect.ValueOf(val), out)
}

func asRecurrence(v any) (schedule.Recurrence, bool) {
	switch x := v.(type) {
	case time.Duration:
		return schedule.Every(x), true
	case *time.Duration:
		return schedule.Every(*x), true
	case schedule.Recurrence:
		return x, true
	}
	return nil, false
}

// asNode returns v as a Node, taking its address when only the pointer
// implements the interface.
func asNode(v reflect.Value) Node {
	if v.CanInterface() {
		if n, ok := v.Interface().(Node); ok {
			return n
		}
	}
	if v.Kind() == reflect.Pointer {
		return nil
	}
	if v.CanAddr() {
		if n, ok := v.Addr().Interface().(Node); ok {
			return n
		}
		return nil
	}
	if reflect.PointerTo(v.Type()).Implements(reflect.TypeFor[Node]()) {
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		return p.Interface().(Node)
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func expectedNames(ts []reflect.Type) string {
	if len(ts) == 0 {
		return "schedule.Recurrence, time.Duration"
	}
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		if t != nil {
			names = append(names, t.String())
		}
	}
	return strings.Join(names, ", ")
}
