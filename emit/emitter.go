package emit

// Emitter receives events from workflow execution and memory writes.
//
// Implementations must be safe for concurrent use and must not block:
// the engine emits inline on its driver loop, and a slow sink slows
// every workflow on the process. Buffer, drop, or hand off to a
// goroutine rather than waiting.
//
// Emit must not panic; internal failures should be swallowed or
// logged by the implementation.
type Emitter interface {
	Emit(event Event)
}
