package bitlocker

import (
	"errors"
)

// Error kinds, one sentinel per class of failure a caller needs to branch
// on. Wrapped with log.Wrap/log.Wrapf at the point of failure, so the
// returned value is a go-errors *errors.Error rather than the sentinel
// itself; compare with log.Is, and read the wrapped cause from its Err field.
var (
	// ErrSignature is returned when the volume's magic signature does not
	// match any known BitLocker variant.
	ErrSignature = errors.New("bitlocker: unrecognized volume signature")

	// ErrUnsupportedVolume is returned for a recognized-but-out-of-scope
	// volume layout (BitLocker-To-Go, an EOW volume opened for translation).
	ErrUnsupportedVolume = errors.New("bitlocker: unsupported volume layout")

	// ErrMetadataCRC is returned when none of the three metadata replicas
	// pass CRC validation.
	ErrMetadataCRC = errors.New("bitlocker: no metadata replica passed CRC validation")

	// ErrDatasetInvalid is returned when a dataset header fails its size
	// sanity checks.
	ErrDatasetInvalid = errors.New("bitlocker: dataset header failed validity checks")

	// ErrDatumNotFound is returned by a search primitive that found nothing
	// matching the requested criteria.
	ErrDatumNotFound = errors.New("bitlocker: no matching datum found")

	// ErrNoCredentialMatched is returned by UnwrapVmk and its per-kind
	// unwrap paths when no VMK protector matches, or unwraps under, the one
	// supplied Credential.
	ErrNoCredentialMatched = errors.New("bitlocker: no credential provider could unwrap the volume master key")

	// ErrAuthenticationFailed is returned when an AES-CCM tag check fails.
	ErrAuthenticationFailed = errors.New("bitlocker: AES-CCM authentication tag mismatch")

	// ErrInvalidRecoveryPassword is returned when a recovery password
	// string fails the block-checksum validation.
	ErrInvalidRecoveryPassword = errors.New("bitlocker: recovery password failed checksum validation")

	// ErrDangerousState is returned when the volume's conversion state
	// indicates an in-progress encryption/decryption switch and the caller
	// has not set Config.AllowUnsafeState.
	ErrDangerousState = errors.New("bitlocker: volume is in an unstable conversion state")

	// ErrUnsupportedAlgorithm is returned when a sector's algorithm code is
	// not one this engine implements.
	ErrUnsupportedAlgorithm = errors.New("bitlocker: unsupported encryption algorithm")

	// ErrReadOnly is returned by Write when the handle was opened with
	// Config.ReadOnly set.
	ErrReadOnly = errors.New("bitlocker: handle is opened read-only")

	// ErrClosed is returned by any operation on a Handle after Close.
	ErrClosed = errors.New("bitlocker: handle is closed")

	// ErrDeniedMetadataWrite is returned by Write when the target range
	// intersects a virtualized region (a metadata replica or the NTFS
	// boot-sectors backup area).
	ErrDeniedMetadataWrite = errors.New("bitlocker: write denied, target overlaps a virtualized metadata region")
)
