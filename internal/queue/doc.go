// Package queue serializes every physical pump action.
//
// Commands are executed one at a time by a single worker goroutine in FIFO order.
// The queue enforces the bolus safety rules: at most one bolus (manual or SMB) may
// be queued or running, an SMB is refused while the last bolus is inside the
// minimum interval, and a request whose delivery deadline has passed is refused
// without touching the pump. Each command reports exactly one pump.EnactResult
// through its callback; failures never surface as Go errors or panics.
//
// CancelCurrent abandons the running command: its caller receives the cancel
// result immediately and the driver is told to stop through its context. The next
// command is dispatched only after the abandoned driver call returned, so the
// pump never sees two concurrent requests.
package queue
