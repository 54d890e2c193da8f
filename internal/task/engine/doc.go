// Package engine is the dispatch core: a priority scheduler with wait-time
// aging, the scheduled-task state machine with transparent retry, and the
// worker loop that pulls from a shared scheduler.
//
// Data flow:
//
//	Schedule -> queue -> Worker.next -> ScheduledTask.Run
//	  success           -> future resolved
//	  failure, retries  -> requeued, failedAttempt event
//	  failure, no more  -> future rejected, failedTask event
//
// The scheduler never references workers. Workers hold a scheduler and wake
// on its scheduled signal; observers (throttle policies, recorders) subscribe
// to its events.
package engine
