// Package engine installs rule graphs and executes firings.
//
// ARCHITECTURE:
//
// One Executor Per Rule:
// Every installed rule owns a FIFO queue and a goroutine draining it.
// This ensures:
// - Firings of one rule never overlap and run in Fire order
// - Different rules fire concurrently
// - A slow rule never delays another
//
// Firing Flow:
// 1. Fire validates the trigger and enqueues a Firing (non-blocking)
// 2. The rule's executor dequeues it and captures the current graph snapshot
// 3. A fresh context is seeded with the trigger outputs ("t1.value")
// 4. Conditions are evaluated in declared order; the first false one stops the firing
// 5. Actions run in declared order, each under the action timeout, and their
//    outputs are merged into the context
// 6. The result is recorded, measured and published on the Firing handle
//
// Redefinition swaps the snapshot atomically. A firing that already
// captured the old snapshot finishes on it; queued firings see the new one.
//
// CRITICAL PATTERNS:
//
// Sequence Numbers:
// Every firing is stamped with a monotonic seq from Sequence.Next() at
// Fire time. Timestamps are informational only.
//
// Handler Isolation:
// Handlers never see the engine's locks. Panics are recovered and reported
// as HANDLER_PANIC; a failed firing never stops the rule's executor.
package engine
