package domain

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrRoomCapacity      = errors.New("room capacity exhausted")
	ErrRoomFull          = errors.New("room viewer cap reached")
	ErrHostPresent       = errors.New("room already has a host")
	ErrRoleMismatch      = errors.New("operation not allowed for role")
	ErrTransportNotReady = errors.New("transport not connected")
	ErrWrongDirection    = errors.New("operation not valid for transport direction")
	ErrAlreadyConsuming  = errors.New("already consuming this producer")
	ErrCannotConsume     = errors.New("producer not consumable with given capabilities")
	ErrWorkerDead        = errors.New("media worker died")
)
