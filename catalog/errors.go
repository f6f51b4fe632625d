package catalog

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a catalog that is not open.
var ErrClosed = errors.New("catalog is not open")

// ErrRecordExists is returned by SaveFile when the derived file name is
// already taken in the layer.
var ErrRecordExists = errors.New("record already exists")

// StorageError reports a failure of the backing store. Callers receive it for
// open, schema and primary insert failures.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
