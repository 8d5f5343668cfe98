package protocol

import "errors"

var (
	errTruncatedTag     = errors.New("frame shorter than the 7-byte tag")
	errUnknownTag        = errors.New("unrecognized tag")
	errMissingSeparator  = errors.New("payload does not begin with the field separator")
)
