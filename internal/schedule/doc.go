// Package schedule computes next execution instants for recurring work.
//
// A schedule is anything implementing Recurrence. The declarative kinds
// (daily, weekly, monthly) are carried by Trigger, a tagged union that keeps
// all three sub-configurations and dispatches on Trigger.Type only.
// Interval and Cron are lighter adapters used for duration-shaped and
// cron-shaped config values.
//
// All computations are pure: they depend only on the receiver and the
// reference time, and are evaluated in the reference time's location.
package schedule
