package codec

import "errors"

// ErrNeverUsed is returned when the decoder encounters wire tag 0xc1,
// which the MessagePack spec reserves and forbids any encoder from
// emitting.
var ErrNeverUsed = errors.New("codec: wire tag 0xc1 is never used")

// ErrTruncated is returned when the input ends before a complete value
// has been read.
var ErrTruncated = errors.New("codec: truncated input")

// ErrUnsupportedType is returned when Encode is given a Go value outside
// the codec's supported type set.
var ErrUnsupportedType = errors.New("codec: unsupported value type")
