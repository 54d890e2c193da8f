// Package task defines the unit-of-work contract consumed by the dispatch engine.
//
// A Task is anything with a Run method; plain functions are adapted with Func
// or Typed. Tasks may carry default scheduling hints (priority, retries) by
// implementing Hinted.
//
// Failures are ordinary errors. Two wrappers change how the engine reacts:
//   - Throttle marks a rate-limit signal carrying a "resume no earlier than" time.
//   - Permanent marks a failure that must not be retried.
package task
