package types

import "errors"

// Sentinel error kinds (spec §7). Components wrap these with fmt.Errorf's
// "%w" verb to add context, following the wrapping convention used
// throughout the teacher's cgo boundary code (e.g. "create peer connection: %w").
var (
	// ErrDeviceInit: a required GPU/audio device could not be opened.
	ErrDeviceInit = errors.New("device init failed")

	// ErrEncoderInit: the hardware encoder refused the requested configuration.
	ErrEncoderInit = errors.New("encoder init failed")

	// ErrRegionOutOfBounds: requested capture rect lies outside any display.
	ErrRegionOutOfBounds = errors.New("capture region out of bounds")

	// ErrBackpressure: encoder input queue full; caller may retry or drop.
	ErrBackpressure = errors.New("encoder input queue full")

	// ErrSaveTooEarly: save requested before MIN_FRAMES_FOR_SAVE accumulated.
	ErrSaveTooEarly = errors.New("save requested before buffer has enough frames")

	// ErrSaveTimeout: mux took longer than the save timeout.
	ErrSaveTimeout = errors.New("save timed out")

	// ErrMux: container writer refused a stream configuration or failed to finalize.
	ErrMux = errors.New("mux failed")

	// ErrFatal: an unrecoverable condition in a background thread.
	ErrFatal = errors.New("fatal pipeline error")

	// ErrGpuOperation: the GPU conversion pipeline reported an error
	// (spec §4.2); the pipeline treats this as fatal.
	ErrGpuOperation = errors.New("gpu operation error")
)
