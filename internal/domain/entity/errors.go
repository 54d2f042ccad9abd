package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientFetch marks a fetch failure worth retrying (network, timeout, 5xx, 429)
	ErrTransientFetch = errors.New("transient fetch error")

	// ErrPermanentFetch marks a transaction that no source tier could resolve
	ErrPermanentFetch = errors.New("permanent fetch error")

	// ErrMalformedTransaction marks a fetched record missing required fields
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrRegistryLoad marks an exchange list that is missing or fails integrity checks
	ErrRegistryLoad = errors.New("exchange registry load failed")

	// ErrClusterInvariant marks an inconsistent union-find structure
	ErrClusterInvariant = errors.New("cluster invariant violation")

	// ErrWindowOpen is returned when closing a window whose end has not passed yet
	ErrWindowOpen = errors.New("window still open")

	// ErrWindowNotFound is returned when closing an unknown window
	ErrWindowNotFound = errors.New("window not found")

	// ErrWindowClosed is returned when ingesting into a window that was already closed
	ErrWindowClosed = errors.New("window already closed")
)

// NewMalformedError builds an ErrMalformedTransaction carrying the txid and the reason
func NewMalformedError(txID, format string, args ...any) error {
	return fmt.Errorf("%w: tx %s: %s", ErrMalformedTransaction, txID, fmt.Sprintf(format, args...))
}
