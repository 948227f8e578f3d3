// Package queue implements the persistent task queue.
//
// Tasks survive process restarts; failed dispatches are retried with
// exponential backoff, and tasks orphaned by a crash are recovered to
// pending at startup.
package queue
