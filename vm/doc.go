// Package vm implements the Tern execution-context runtime.
//
// This package contains:
//   - NaN-boxed value representation
//   - Precise type metadata (pointer maps) for garbage collection
//   - Per-context heaps with byte ceilings
//   - A per-context mark-sweep collector
//   - Cooperative safepoint coordination for stop-the-world pauses
//   - Context creation, capabilities, and resource limits
//   - Cooperative tasks and a shared worker-pool scheduler
//   - Cross-context marshalling and foreign handles
//   - Snapshot capture, restore, and SQLite-backed persistence
//   - Background maintenance collection across idle contexts
package vm
