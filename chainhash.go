package bitlocker

import (
	"crypto/sha256"
	"encoding/binary"

	log "github.com/dsoprea/go-logging"
)

// chainHashIterations is the fixed iteration count of the stretching loop
// (original_source/src/accesses/stretch_key.c's 0x100000).
const chainHashIterations = 0x100000

// chainHashStateSize is the size of bitlocker_chain_hash_t: 32+32+16+8.
// spec.md describes a 64-byte state; original_source's struct is 88 bytes.
// Resolved in DESIGN.md: the 88-byte layout is authoritative.
const chainHashStateSize = 32 + 32 + 16 + 8

// chainHashState is the struct hashed, whole, once per iteration
// (original_source's bitlocker_chain_hash_t).
type chainHashState struct {
	updatedHash  [32]byte
	passwordHash [32]byte
	salt         [16]byte
	hashCount    uint64
}

func (s *chainHashState) bytes() []byte {
	buf := make([]byte, chainHashStateSize)
	copy(buf[0:32], s.updatedHash[:])
	copy(buf[32:64], s.passwordHash[:])
	copy(buf[64:80], s.salt[:])
	binary.LittleEndian.PutUint64(buf[80:88], s.hashCount)
	return buf
}

// stretchKey runs the chain-hash key-stretching loop: SHA-256 of the
// 88-byte state, chained chainHashIterations times, each iteration folding
// the previous digest back into updatedHash and incrementing hashCount.
// The final updatedHash is the stretched key.
//
// Grounded on original_source/src/accesses/stretch_key.c:stretch_key.
func stretchKey(passwordHash [32]byte, salt [16]byte) (stretched [32]byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	state := chainHashState{
		passwordHash: passwordHash,
		salt:         salt,
	}

	for i := uint64(0); i < chainHashIterations; i++ {
		digest := sha256.Sum256(state.bytes())
		state.updatedHash = digest
		state.hashCount++
	}

	return state.updatedHash, nil
}

// stretchRecoveryKey stretches a 16-byte intermediate key derived from a
// 48-digit recovery password (original_source's stretch_recovery_key): the
// "password hash" fed into the chain is the 32-byte SHA-256 digest of the
// 16-byte intermediate key.
func stretchRecoveryKey(intermediateKey [16]byte, salt [16]byte) ([32]byte, error) {
	var passwordHash [32]byte
	digest := sha256.Sum256(intermediateKey[:])
	copy(passwordHash[:], digest[:])

	return stretchKey(passwordHash, salt)
}

// stretchUserKey stretches the double-SHA-256 hash of a UTF-16LE user
// password (original_source's stretch_user_key).
func stretchUserKey(passwordHash [32]byte, salt [16]byte) ([32]byte, error) {
	return stretchKey(passwordHash, salt)
}
