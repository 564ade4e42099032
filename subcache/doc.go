// Package subcache deduplicates live node subscriptions: no matter how many
// logical subscribers watch a node id, at most one low-level backend
// subscription is open for it, and it is released only after a grace window
// with zero subscribers.
//
// Registration is handle-based: Add returns a *Subscription whose Cancel
// unregisters exactly that registration. Registering the same callback
// function twice yields two independent handles, so the reference count
// always equals the number of live handles and can never drift from it.
//
// Fan-out isolates failures: each callback runs inside its own panic
// boundary, so one failing subscriber never blocks delivery to the others.
// Once Cancel returns, the callback is never invoked again; because Cancel
// waits out an in-flight delivery to the same callback, it must not be
// called from inside that callback.
package subcache
