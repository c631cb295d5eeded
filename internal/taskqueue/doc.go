// Package taskqueue holds persisted, timer-armed task records per (queue, task type)
// and hands them to the task engine when they activate.
//
// Processors are registered up front; the reconciler asks which identities exist,
// cancels their future work and adds the next activation.
package taskqueue
