package meter

import (
	"errors"
	"fmt"
)

// FetchError is a transport-level failure talking to the meter.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("requesting meter values from %s failed: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// EmptyResponseError means the meter answered but the document carried no
// readings.
type EmptyResponseError struct {
	URL string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("meter at %s returned an empty response", e.URL)
}

// Validation verdicts. They never reach Reader callers.
var (
	ErrEnergyMissing = errors.New("forward energy missing")
	ErrEnergyJump    = errors.New("forward energy jumped implausibly")
	ErrPowerMissing  = errors.New("power registers missing")
	ErrPowerMismatch = errors.New("phase/aggregate power mismatch")
)
