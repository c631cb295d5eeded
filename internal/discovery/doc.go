// Package discovery finds schedule declarations in a configuration graph.
//
// Configuration types opt in by implementing Node. WalkConfig announces the
// members that make up the serialized configuration surface, using Field for
// stored values and Property for computed ones, and attaches Declarations to
// members that hold a schedule:
//
//	func (c *Maintenance) WalkConfig(w *discovery.Walker) {
//		discovery.Field(w, "prune", c.Prune, discovery.Declare("maintenance", "prune"))
//		discovery.Property(w, "retention", c.Retention)
//	}
//
// The Scanner visits fields before properties at each level, each group in
// announcement order, and recurses into every member value. The output order
// is therefore stable for a given graph.
package discovery
