package sonic

import "errors"

var (
	ErrNotConnected    = errors.New("sensor not connected")
	ErrNotFound        = errors.New("no sensor responding")
	ErrQueueFull       = errors.New("transaction queue full")
	ErrNotReady        = errors.New("no completion callback registered")
	ErrProtocol        = errors.New("programming interface transfer failed")
	ErrTimeout         = errors.New("timed out")
	ErrUnsupported     = errors.New("not supported by sensor variant")
	ErrCalibration     = errors.New("invalid calibration")
	ErrAborted         = errors.New("bring-up aborted by discovery hook")
	ErrInvalidArgument = errors.New("invalid argument")
)
