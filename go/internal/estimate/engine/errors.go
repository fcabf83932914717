package engine

import "errors"

// ErrBusy is returned by Dispatch when the command could not be queued
var ErrBusy = errors.New("engine inbox full or stopped")
