// Package upscale holds the processing step: turning an input image on disk
// into an enlarged output image. Implementations are opaque to the worker;
// the only thing it inspects is whether a failure was resource exhaustion.
package upscale

import (
	"errors"
	"strings"

	"upscale-worker/internal/models"
)

// ErrOutOfMemory marks failures caused by the processor running out of
// memory. Callers treat it as fatal for the process.
var ErrOutOfMemory = errors.New("out of memory")

// Request describes one processing invocation.
type Request struct {
	InputPath  string
	OutputPath string
	Params     models.Params
}

// IsOutOfMemory reports whether err wraps ErrOutOfMemory or its text carries
// an out-of-memory signature, as external model runtimes report it.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

func scaleFor(params models.Params, def int) int {
	if v, ok := params.Int("scale"); ok && v >= 1 && v <= 8 {
		return v
	}
	if def < 1 {
		return 4
	}
	return def
}
