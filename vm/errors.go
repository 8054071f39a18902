package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Runtime Error Types
// ---------------------------------------------------------------------------

// Resource-limit errors are expected and recoverable. They are returned
// synchronously, before any state mutation commits.
var (
	ErrTaskLimitExceeded  = errors.New("task limit exceeded")
	ErrStepBudgetExceeded = errors.New("step budget exceeded")
)

// Coordination errors indicate a conflicting in-flight operation. Callers
// may retry once the conflicting operation completes.
var (
	ErrPauseActive          = errors.New("stop-the-world pause already active")
	ErrCollectionInProgress = errors.New("collection in progress")
)

// Integrity errors are fatal to the requested operation but never to the
// process. A failed restore leaves no partially constructed context behind.
var (
	ErrCorruptedSnapshot   = errors.New("corrupted snapshot")
	ErrIncompatibleVersion = errors.New("incompatible snapshot version")
	ErrUnknownType         = errors.New("unknown type id")
	ErrTypeExists          = errors.New("type id already registered")
	ErrInvalidObjectRef    = errors.New("invalid object reference")
)

// Lookup errors are ordinary not-found conditions.
var (
	ErrContextNotFound    = errors.New("context not found")
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrUnknownFunction    = errors.New("unknown function index")
	ErrModuleExists       = errors.New("module already registered")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
)

// HeapLimitError reports an allocation that would exceed a context's heap
// ceiling. Used and Max describe the heap at the time of rejection; the
// allocation did not take effect.
type HeapLimitError struct {
	Used uint64
	Max  uint64
}

func (e *HeapLimitError) Error() string {
	return fmt.Sprintf("heap limit exceeded: %d bytes used of %d", e.Used, e.Max)
}

// IsHeapLimit reports whether err is a HeapLimitError.
func IsHeapLimit(err error) bool {
	var hle *HeapLimitError
	return errors.As(err, &hle)
}
