/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import "errors"

var (
	// ErrStoreUnavailable means the backend could not be reached at all.
	ErrStoreUnavailable = errors.New("participant store unavailable")

	// ErrWriteConflict means a write raced another write or delete on the same id.
	ErrWriteConflict = errors.New("participant record changed concurrently")

	// ErrNotificationGap means the change feed dropped and updates may have been missed.
	ErrNotificationGap = errors.New("change feed interrupted")

	// ErrNotFound means the record is not in the store.
	ErrNotFound = errors.New("participant not found")

	ErrLobbyFull        = errors.New("lobby is full")
	ErrNotEnoughPlayers = errors.New("not enough participants to start")
	ErrAlreadyJoined    = errors.New("session already joined")
	ErrNotJoined        = errors.New("session has not joined")
	ErrNotSeated        = errors.New("participant is waiting for a slot")
	ErrInvalidProfile   = errors.New("invalid profile")
	ErrInvalidConfig    = errors.New("invalid presence configuration")
)
