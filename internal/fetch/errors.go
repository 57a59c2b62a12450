package fetch

import "errors"

var (
	// ErrRPC indicates a transport-level failure talking to the ledger.
	ErrRPC = errors.New("ledger rpc failure")
	// ErrDeserialization indicates account data that could not be decoded.
	ErrDeserialization = errors.New("account deserialization failure")
	// ErrNoAccountsFound indicates the ledger returned no telemetry
	// accounts for the requested window.
	ErrNoAccountsFound = errors.New("no accounts found")
	// ErrInvalidEpoch indicates a request for an epoch that cannot
	// exist, such as the predecessor of epoch 0.
	ErrInvalidEpoch = errors.New("invalid epoch")
	// ErrConfiguration indicates the fetcher was built with unusable
	// settings.
	ErrConfiguration = errors.New("fetcher configuration error")
)
