package session

import "errors"

// ErrRoomNotFound is surfaced as the last error when the server rejects a join
var ErrRoomNotFound = errors.New("room does not exist")
