package bitlocker

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"

	log "github.com/dsoprea/go-logging"
)

// CredentialKind selects which of BitLocker's key-protector methods to try
// when unwrapping a volume's VMK.
//
// Grounded on original_source/src/accesses/*'s one-function-per-method
// layout (clearkey, rp, user_pass, bek), plus the two Go-native direct-load
// shortcuts named in SPEC_FULL.md §4.3.
type CredentialKind int

const (
	CredentialClearKey CredentialKind = iota
	CredentialRecoveryPassword
	CredentialUserPassword
	CredentialBekFile
	CredentialFvekFile
	CredentialVmkFile
)

// Credential is the tagged union of supported unwrap methods. Only the
// field(s) matching Kind are consulted.
type Credential struct {
	Kind CredentialKind

	// RecoveryPassword is the 48-digit recovery password, formatted as
	// eight dash-separated six-digit blocks (55 characters total).
	RecoveryPassword string

	// UserPassword is the volume's plaintext user password.
	UserPassword string

	// BekFilePath names an external-key ".BEK" file produced when BitLocker
	// protects a volume with a USB startup key.
	BekFilePath string

	// FvekFilePath names a raw FVEK file: 2 bytes of algorithm ID followed
	// by 64 bytes of key material, loaded directly as the FVEK and
	// bypassing both VMK and FVEK unwrap.
	FvekFilePath string

	// VmkFilePath names a raw 32-byte VMK file, bypassing VMK unwrap while
	// still running the normal FVEK unwrap step against it.
	VmkFilePath string
}

const (
	clearKeyRangeMin = 0x000
	clearKeyRangeMax = 0x0ff
	rpRangeMin       = 0x800
	rpRangeMax       = 0xfff
	userRangeMin     = 0x2000
	userRangeMax     = 0x2000

	recoveryPasswordBlocks    = 8
	recoveryPasswordDigits    = 6
	recoveryPasswordBlockSpan = recoveryPasswordDigits + 1
	recoveryPasswordLength    = recoveryPasswordBlocks*recoveryPasswordBlockSpan - 1
	intermediateKeyBufferSize = 32
)

// findVmkDatumsByRange returns every top-level VMK datum whose nonce-tail
// priority falls within [min, max], in dataset order.
//
// Grounded on original_source/src/metadata/vmk.c:get_vmk_datum_from_range.
func findVmkDatumsByRange(datums []*Datum, min, max uint16) []*Datum {
	var out []*Datum
	for _, d := range FindAllByValueType(datums, ValueVmk) {
		p := d.VmkPriority()
		if p >= min && p <= max {
			out = append(out, d)
		}
	}
	return out
}

// findVmkDatumByGuid returns the top-level VMK datum matching guid.
//
// Grounded on vmk.c:get_vmk_datum_from_guid.
func findVmkDatumByGuid(datums []*Datum, guid Guid) (*Datum, error) {
	for _, d := range FindAllByValueType(datums, ValueVmk) {
		g, err := d.VmkGuid()
		if err != nil {
			continue
		}
		if g.Equal(guid) {
			return d, nil
		}
	}
	return nil, ErrDatumNotFound
}

// unwrapVmkWithKey runs the common final stage every credential method
// converges on: locate the VMK datum's nested AES-CCM protector, unwrap it
// with key, and return the nested plaintext KEY datum's raw VMK bytes.
//
// Grounded on vmk.c:get_vmk.
func unwrapVmkWithKey(vmkDatum *Datum, key []byte) (vmk []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	aesCcm, err := FindNestedByValueType(vmkDatum, ValueAesCcm)
	log.PanicIf(err)

	plaintext, err := unwrapAesCcm(aesCcm, key)
	log.PanicIf(err)

	keyDatums, err := parseDatumStream(plaintext)
	log.PanicIf(err)

	keyDatum, err := FindByValueType(keyDatums, ValueKey)
	log.PanicIf(err)

	return keyDatum.Payload(), nil
}

// vmkFromClearKey implements the no-credential unwrap path: a VMK protector
// in the 0x000-0x0ff priority range carries its own unwrap key in a nested
// plain DATUM_KEY, no secret required.
//
// Grounded on vmk.c:get_vmk_from_clearkey.
func vmkFromClearKey(datums []*Datum) (vmk []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	candidates := findVmkDatumsByRange(datums, clearKeyRangeMin, clearKeyRangeMax)
	if len(candidates) == 0 {
		log.Panic(ErrNoCredentialMatched)
	}

	for _, vmkDatum := range candidates {
		keyDatum, err := FindNestedByValueType(vmkDatum, ValueKey)
		if err != nil {
			continue
		}

		vmk, err = unwrapVmkWithKey(vmkDatum, keyDatum.Payload())
		if err == nil {
			return vmk, nil
		}
	}

	log.Panic(ErrNoCredentialMatched)
	return nil, nil
}

// validBlock parses one 6-digit block of a recovery password, validating
// the checksum digit and returning the block divided by 11.
//
// Grounded on recovery_password.c:valid_block.
func validBlock(digits string) (uint16, error) {
	block, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, ErrInvalidRecoveryPassword
	}

	if block%11 != 0 {
		return 0, ErrInvalidRecoveryPassword
	}
	if block >= 720896 {
		return 0, ErrInvalidRecoveryPassword
	}

	d := func(i int) int { return int(digits[i]) - 48 }

	check := (d(0) - d(1) + d(2) - d(3) + d(4)) % 11
	for check < 0 {
		check += 11
	}

	if check != d(5) {
		return 0, ErrInvalidRecoveryPassword
	}

	return uint16(block / 11), nil
}

// parseRecoveryPassword validates a 55-character recovery password (eight
// six-digit blocks separated by single characters) and returns the eight
// divided-by-11 block values.
//
// Grounded on recovery_password.c:is_valid_key.
func parseRecoveryPassword(password string) ([recoveryPasswordBlocks]uint16, error) {
	var blocks [recoveryPasswordBlocks]uint16

	if len(password) != recoveryPasswordLength {
		return blocks, ErrInvalidRecoveryPassword
	}

	for i := 0; i < recoveryPasswordBlocks; i++ {
		start := i * recoveryPasswordBlockSpan
		digits := password[start : start+recoveryPasswordDigits]

		block, err := validBlock(digits)
		if err != nil {
			return blocks, err
		}
		blocks[i] = block
	}

	return blocks, nil
}

// recoveryIntermediateKey packs the eight divided-by-11 blocks as
// little-endian uint16s into the first 16 bytes of a 32-byte buffer, then
// stretches it with salt.
//
// Grounded on recovery_password.c:intermediate_key.
func recoveryIntermediateKey(password string, salt []byte) (key [32]byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	blocks, err := parseRecoveryPassword(password)
	log.PanicIf(err)

	var buf [intermediateKeyBufferSize]byte
	for i, b := range blocks {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], b)
	}

	var salt16 [16]byte
	copy(salt16[:], salt)

	var intermediate [16]byte
	copy(intermediate[:], buf[:16])

	return stretchRecoveryKey(intermediate, salt16)
}

// vmkFromRecoveryPassword implements the 48-digit recovery-password unwrap
// path: every VMK protector in the 0x800-0xfff priority range is tried in
// turn against the stretched intermediate key until one authenticates.
//
// Grounded on recovery_password.c:get_vmk_from_rp2.
func vmkFromRecoveryPassword(datums []*Datum, password string) (vmk []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	candidates := findVmkDatumsByRange(datums, rpRangeMin, rpRangeMax)
	if len(candidates) == 0 {
		log.Panic(ErrNoCredentialMatched)
	}

	for _, vmkDatum := range candidates {
		stretchDatum, err := FindNestedByValueType(vmkDatum, ValueStretchKey)
		if err != nil {
			continue
		}

		key, err := recoveryIntermediateKey(password, stretchDatum.StretchKeySalt())
		if err != nil {
			continue
		}

		vmk, err = unwrapVmkWithKey(vmkDatum, key[:])
		if err == nil {
			return vmk, nil
		}
	}

	log.Panic(ErrAuthenticationFailed)
	return nil, nil
}

// userPasswordHash computes SHA-256(SHA-256(UTF-16LE(password))), excluding
// any trailing NUL terminator.
//
// Grounded on user_pass.c:user_key.
func userPasswordHash(password string) ([32]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	utf16Bytes, err := enc.Bytes([]byte(password))
	if err != nil {
		return [32]byte{}, log.Wrap(err)
	}

	first := sha256.Sum256(utf16Bytes)
	return sha256.Sum256(first[:]), nil
}

// vmkFromUserPassword implements the user-password unwrap path: the single
// VMK protector in the fixed 0x2000 priority range is stretched against the
// double-SHA-256 UTF-16LE password hash.
//
// Grounded on user_pass.c:get_vmk_from_user_pass2.
func vmkFromUserPassword(datums []*Datum, password string) (vmk []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	candidates := findVmkDatumsByRange(datums, userRangeMin, userRangeMax)
	if len(candidates) == 0 {
		log.Panic(ErrNoCredentialMatched)
	}

	hash, err := userPasswordHash(password)
	log.PanicIf(err)

	for _, vmkDatum := range candidates {
		stretchDatum, err := FindNestedByValueType(vmkDatum, ValueStretchKey)
		if err != nil {
			continue
		}

		var salt16 [16]byte
		copy(salt16[:], stretchDatum.StretchKeySalt())

		key, err := stretchUserKey(hash, salt16)
		if err != nil {
			continue
		}

		vmk, err = unwrapVmkWithKey(vmkDatum, key[:])
		if err == nil {
			return vmk, nil
		}
	}

	log.Panic(ErrAuthenticationFailed)
	return nil, nil
}

// parseBekDataset parses an external-key file's contents as a standalone
// dataset (a BEK file is a dataset header plus its datum stream, not
// wrapped in a bitlocker_information_t).
//
// Grounded on bekfile.c:get_bek_dataset.
func parseBekDataset(raw []byte) (*Dataset, error) {
	return parseDataset(raw)
}

// vmkFromBekFile implements the USB startup-key unwrap path: the BEK file
// carries a DATUM_EXTERNAL_KEY whose nested DATUM_KEY is the unwrap key,
// and whose GUID identifies the matching VMK protector in the volume's own
// metadata.
//
// Grounded on bekfile.c:get_vmk_from_bekfile.
func vmkFromBekFile(datums []*Datum, bekPath string) (vmk []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	raw, err := os.ReadFile(bekPath)
	log.PanicIf(err)

	bekDataset, err := parseBekDataset(raw)
	log.PanicIf(err)

	extDatum, err := FindByValueType(bekDataset.Datums, ValueExternalKey)
	log.PanicIf(err)

	guid, err := extDatum.ExternalKeyGuid()
	log.PanicIf(err)

	keyDatum, err := FindNestedByValueType(extDatum, ValueKey)
	log.PanicIf(err)

	vmkDatum, err := findVmkDatumByGuid(datums, guid)
	log.PanicIf(err)

	vmk, err = unwrapVmkWithKey(vmkDatum, keyDatum.Payload())
	log.PanicIf(err)

	return vmk, nil
}

// vmkFileSize is the expected size of a raw VMK file: the bare 32-byte key,
// no datum framing.
const vmkFileSize = 32

// loadVmkFile reads an already-unwrapped 32-byte VMK directly from disk,
// bypassing every VMK protector entirely (the Go-native completeness
// counterpart to loadFvekFile, named by spec.md §6's "vmk-file(path)"
// credential kind).
func loadVmkFile(path string) (vmk []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	raw, err := os.ReadFile(path)
	log.PanicIf(err)

	if len(raw) != vmkFileSize {
		log.Panicf("vmk file must be %d bytes, got %d", vmkFileSize, len(raw))
	}

	vmk = make([]byte, vmkFileSize)
	copy(vmk, raw)

	return vmk, nil
}

// fvekFileHeaderSize and fvekFileKeySize match build_fvek_from_file's
// expected FVEK-file layout: a 2-byte algorithm ID followed by 64 bytes of
// key material (enough for the largest AES-256+diffuser key pair).
const (
	fvekFileHeaderSize = 2
	fvekFileKeySize    = 64
)

// loadFvekFile bypasses VMK unwrap entirely, reading the sector cipher's
// algorithm and key material directly from a raw FVEK file.
//
// Grounded on fvek.c:build_fvek_from_file.
func loadFvekFile(path string) (algo AlgorithmID, fvek []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	raw, err := os.ReadFile(path)
	log.PanicIf(err)

	if len(raw) != fvekFileHeaderSize+fvekFileKeySize {
		log.Panicf("fvek file must be %d bytes, got %d", fvekFileHeaderSize+fvekFileKeySize, len(raw))
	}

	algo = AlgorithmID(binary.LittleEndian.Uint16(raw[0:2]))
	fvek = make([]byte, fvekFileKeySize)
	copy(fvek, raw[2:])

	return algo, fvek, nil
}

// resolveFvek locates the volume's FVEK protector (entry type FVEK, value
// type AES_CCM) and unwraps it with vmk, returning the sector cipher's
// algorithm and key material.
//
// Grounded on fvek.c:get_fvek.
func resolveFvek(datums []*Datum, vmk []byte) (algo AlgorithmID, fvek []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	aesCcm, err := FindByEntryAndValueType(datums, EntryFvek, ValueAesCcm)
	if err != nil {
		aesCcm, err = FindByEntryAndValueType(datums, EntryFvek2, ValueAesCcm)
	}
	log.PanicIf(err)

	plaintext, err := unwrapAesCcm(aesCcm, vmk)
	log.PanicIf(err)

	keyDatums, err := parseDatumStream(plaintext)
	log.PanicIf(err)

	keyDatum, err := FindByValueType(keyDatums, ValueKey)
	log.PanicIf(err)

	return keyDatum.keyAlgo(), keyDatum.Payload(), nil
}

// UnwrapVmk runs cred's unwrap method against dataset's top-level datums,
// returning the volume's 32-byte VMK plaintext.
func UnwrapVmk(dataset *Dataset, cred Credential) ([]byte, error) {
	switch cred.Kind {
	case CredentialClearKey:
		return vmkFromClearKey(dataset.Datums)
	case CredentialRecoveryPassword:
		password := strings.TrimSpace(cred.RecoveryPassword)
		return vmkFromRecoveryPassword(dataset.Datums, password)
	case CredentialUserPassword:
		return vmkFromUserPassword(dataset.Datums, cred.UserPassword)
	case CredentialBekFile:
		return vmkFromBekFile(dataset.Datums, cred.BekFilePath)
	case CredentialVmkFile:
		return loadVmkFile(cred.VmkFilePath)
	default:
		return nil, ErrNoCredentialMatched
	}
}

// ResolveFvek derives the sector cipher inputs for dataset given cred. When
// cred selects an FVEK file directly, VMK unwrap is bypassed entirely.
func ResolveFvek(dataset *Dataset, cred Credential) (algo AlgorithmID, fvek []byte, err error) {
	if cred.Kind == CredentialFvekFile {
		return loadFvekFile(cred.FvekFilePath)
	}

	vmk, err := UnwrapVmk(dataset, cred)
	if err != nil {
		return 0, nil, err
	}

	return resolveFvek(dataset.Datums, vmk)
}
