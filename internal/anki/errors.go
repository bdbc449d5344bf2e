package anki

import "errors"

// ErrInvalidPackage marks a container with no recognizable embedded
// database, or one whose database member cannot be decompressed.
var ErrInvalidPackage = errors.New("invalid package: no usable embedded database")
