package core

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation is the parent of every error caused by a structurally inconsistent graph.
	ErrContractViolation = errors.New("render graph contract violation")
	ErrBindingMismatch   = fmt.Errorf("%w: bind call count differs from the recorded pass", ErrContractViolation)
	ErrUnboundResource   = fmt.Errorf("%w: resource is nil or not registered with the graph", ErrContractViolation)
	ErrMixedCompaction   = fmt.Errorf("%w: compaction requested by only part of a BLAS batch", ErrContractViolation)
	ErrUpdateNotAllowed  = fmt.Errorf("%w: acceleration structure was not built with allow-update", ErrContractViolation)
	ErrGraphDestroyed    = fmt.Errorf("%w: render graph already destroyed", ErrContractViolation)

	ErrDevice        = errors.New("device failure")
	ErrShaderCompile = errors.New("shader compilation failed")
	ErrUnsupported   = errors.New("not supported by this backend")
	ErrUnknown       = errors.New("unknown")
)
