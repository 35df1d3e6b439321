package stream

import "errors"

var (
	ErrInvalidKind    = errors.New("stream: invalid fragment kind")
	ErrEmptyName      = errors.New("stream: functional token name is empty")
	ErrEmptyStart     = errors.New("stream: functional token start is empty")
	ErrDuplicateName  = errors.New("stream: duplicate functional token name")
	ErrDuplicateStart = errors.New("stream: duplicate functional token start")
	ErrDuplicateEnd   = errors.New("stream: duplicate functional token end")
)
