// Package primitive provides the public API for the accelerated execution
// runtime. One Runtime is shared by every operator in a pipeline; per-worker
// parallelism duplicates the module graph with a Runtime per copy.
package primitive

import (
	"github.com/fathom-ml/fathom/internal/primitive"
)

// Runtime is the shared execution context of one operator tree.
type Runtime = primitive.Runtime

// NewRuntime creates a runtime with the default allocator and a disabled
// logger.
var NewRuntime = primitive.NewRuntime

// NewRuntimeWith creates a runtime with an explicit allocator and logger.
var NewRuntimeWith = primitive.NewRuntimeWith
