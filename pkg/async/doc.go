// Package async runs background work with panic recovery and logging.
//
// SafeGo starts a single long-lived or fire-and-forget task such as the
// role seed watcher. Request-path work, including activity log writes,
// stays on the calling goroutine.
package async
