package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the deploy pipeline. Handlers map these to stable HTTP
// status codes; anything not in this list is treated as an internal error.
var (
	ErrInvalidSession = errors.New("missing session cookie")
	ErrCaptchaInvalid = errors.New("captcha missing, expired or wrong")
	ErrRateLimited    = errors.New("deployment rate limit reached")
	ErrDuplicateLease = errors.New("owner already holds a lease")
	ErrNoPorts        = errors.New("no free ports available")
	ErrNotFound       = errors.New("lease not found")
	ErrHandleGone     = errors.New("container not found")
	ErrUnauthorized   = errors.New("admin key required")
	ErrStore          = errors.New("store unavailable")
)

// ResourceDimension names the quota dimension that rejected an admission.
type ResourceDimension string

const (
	DimensionContainers ResourceDimension = "containers"
	DimensionCPU        ResourceDimension = "cpu"
	DimensionMemory     ResourceDimension = "memory"
)

// ResourceExhaustedError reports a global quota rejection with the dimension
// that failed.
type ResourceExhaustedError struct {
	Dimension ResourceDimension
	Current   float64
	Limit     float64
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource quota exhausted: %s (%.2f/%.2f)", e.Dimension, e.Current, e.Limit)
}

// RuntimeError wraps a container runtime failure that is not a port conflict.
type RuntimeError struct {
	Op    string
	Cause error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime %s: %v", e.Op, e.Cause)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }
