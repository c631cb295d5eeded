// Package reconcile turns schedule declarations found in configuration into
// exactly one scheduled task per (queue, task type).
//
// Each pass rebuilds the registry from scratch: unregistered identities are
// warned about, duplicates are rejected first-wins, prior future work is
// cancelled and the next activation is added. Passes must be serialized by the
// caller; registry reads are safe from any goroutine.
package reconcile
