package codec

import "errors"

// Sentinel errors for encode and decode failures, matched with errors.Is.
var (
	// ErrEncoderFault means the encoder rejected its input. The session
	// must be restarted.
	ErrEncoderFault = errors.New("codec: encoder fault")

	// ErrDecoderFault means an access unit could not be decoded. The
	// decoder has already reset itself and waits for a key frame.
	ErrDecoderFault = errors.New("codec: decoder fault")

	// ErrAwaitingKeyframe is returned for delta frames that arrive while
	// the decoder has no valid reference. It is not fatal: the unit is
	// skipped and a key frame should be requested.
	ErrAwaitingKeyframe = errors.New("codec: awaiting key frame")
)
