// Package engine runs task instances asynchronously. It moves each one from
// queued through its supervised attempts until it reaches a terminal state:
// retries after the retry delay, reschedules at the requested date, and
// resumes deferred instances once their trigger fires or times out.
package engine
