package fetch

import (
	"encoding/binary"
	"fmt"
)

// Account discriminators for the telemetry program's account types.
const (
	DiscriminatorDeviceTelemetry   = 1
	DiscriminatorInternetTelemetry = 2
)

// accountHeaderLen is the fixed prefix every telemetry account carries:
// one discriminator byte followed by the epoch as a little-endian u64.
const accountHeaderLen = 9

// AccountHeader is the decoded fixed prefix of a telemetry account.
type AccountHeader struct {
	Discriminator byte
	Epoch         uint64
}

// DecodeAccountHeader decodes the discriminator and epoch from raw
// account bytes.
func DecodeAccountHeader(data []byte) (AccountHeader, error) {
	if len(data) < accountHeaderLen {
		return AccountHeader{}, fmt.Errorf("%w: account data too short (%d bytes)", ErrDeserialization, len(data))
	}
	return AccountHeader{
		Discriminator: data[0],
		Epoch:         binary.LittleEndian.Uint64(data[1:accountHeaderLen]),
	}, nil
}

// AccountPayload returns the account bytes following the fixed header.
func AccountPayload(data []byte) ([]byte, error) {
	if len(data) < accountHeaderLen {
		return nil, fmt.Errorf("%w: account data too short (%d bytes)", ErrDeserialization, len(data))
	}
	return data[accountHeaderLen:], nil
}

// ValidateAccountEpoch checks a fetched account against the requested
// epoch. Mismatched accounts must be excluded by the caller, never
// silently accepted.
func ValidateAccountEpoch(header AccountHeader, requested uint64) error {
	if header.Epoch != requested {
		return fmt.Errorf("%w: account epoch %d does not match requested %d",
			ErrDeserialization, header.Epoch, requested)
	}
	return nil
}
