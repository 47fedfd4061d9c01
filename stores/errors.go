package stores

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of store failed for reason : %s ", ve.Reason)
}

var (
	ErrNotFound      = errors.New("no value found in store")
	ErrQuotaExceeded = errors.New("store quota exceeded")
)

// QuotaError reports a write that did not fit in the store.
type QuotaError struct {
	Key   string
	Size  int
	Limit int
}

func (qe QuotaError) Error() string {
	if qe.Limit > 0 {
		return fmt.Sprintf("writing %d bytes to %q exceeds store quota of %d bytes", qe.Size, qe.Key, qe.Limit)
	}
	return fmt.Sprintf("writing %d bytes to %q exceeds store quota", qe.Size, qe.Key)
}

func (qe QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}
