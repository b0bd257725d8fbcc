package lichess

import "errors"

var (
	// ErrTransient marks failures worth retrying: network hiccups, 429s, 5xx.
	ErrTransient = errors.New("transient remote failure")

	// ErrPermanent marks rejections that retrying cannot fix, e.g. acting on
	// a game that is already over. Callers log and drop.
	ErrPermanent = errors.New("permanent remote rejection")

	// ErrStreamClosed is returned when a stream could not be (re)established
	// within its reconnection budget.
	ErrStreamClosed = errors.New("event stream closed")
)
