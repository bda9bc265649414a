// Copyright (C) 2024 The relaysrv Authors.

// Package challenge implements the proof-of-work-plus-signature handshake
// challenge: a node must find a nonce whose SHA3-512 digest (combined with
// the server-issued random challenge) has enough leading zero bits, then
// sign the result to prove ownership of the key behind its declared NodeID.
package challenge

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Size in bytes of the v||r||s signature prefix placed before the solution
// body in a challenge response.
const SignatureSize = 1 + 32 + 32

// PrefixSize is the size in bytes of the big-endian nonce prefix that opens
// a solution.
const PrefixSize = 8

// Signer produces an ECDSA signature over a message digest. It is the only
// capability this package needs from whatever holds the node's private key;
// key storage itself is out of scope here (see the system design's external
// collaborators).
type Signer interface {
	Sign(digest []byte) (sig []byte, err error)
}

var (
	// ErrResponseTooShort is returned when a challenge response is shorter
	// than the fixed signature-plus-prefix framing requires.
	ErrResponseTooShort = errors.New("challenge: response too short")
	// ErrInvalidSignature is returned when a response's signature does not
	// recover to the declared public key.
	ErrInvalidSignature = errors.New("challenge: signature does not match public key")
)

// Solve finds a nonce satisfying the proof-of-work difficulty over
// challenge, then signs the result with signer. The returned bytes are the
// on-wire challenge response: v || r || s || solution.
func Solve(challengeBytes []byte, difficulty uint64, signer Signer) ([]byte, error) {
	solution, err := SolveChallenge(challengeBytes, difficulty)
	if err != nil {
		return nil, err
	}
	return sign(solution, signer)
}

// Verify checks that response is a valid signed solution to challengeBytes
// at the given difficulty, signed by the holder of pubKey.
func Verify(challengeBytes []byte, difficulty uint64, response []byte, pubKey []byte) (bool, error) {
	solution, err := verifySignature(response, pubKey)
	if err != nil {
		return false, err
	}
	return VerifyChallenge(challengeBytes, difficulty, solution), nil
}

// SolveChallenge performs the raw proof-of-work search: it returns the
// smallest big-endian uint64 prefix (as 8 bytes) concatenated with the
// SHA3-512 digest of prefix||challenge, such that the digest has at least
// difficulty leading zero bits.
func SolveChallenge(challengeBytes []byte, difficulty uint64) ([]byte, error) {
	var counter uint64
	for {
		var prefix [PrefixSize]byte
		binary.BigEndian.PutUint64(prefix[:], counter)
		digest := digestSHA3(prefix[:], challengeBytes)

		if leadingZeros(digest) >= difficulty {
			response := make([]byte, 0, PrefixSize+len(digest))
			response = append(response, prefix[:]...)
			response = append(response, digest...)
			return response, nil
		}

		if counter == ^uint64(0) {
			return nil, fmt.Errorf("challenge: no solution found for difficulty %d", difficulty)
		}
		counter++
	}
}

// VerifyChallenge recomputes the digest from the prefix embedded in
// response and checks both the digest and the leading-zero-bit count.
func VerifyChallenge(challengeBytes []byte, difficulty uint64, response []byte) bool {
	if len(response) < PrefixSize {
		return false
	}
	prefix := response[:PrefixSize]
	toVerify := response[PrefixSize:]
	expected := digestSHA3(prefix, challengeBytes)
	if !bytes.Equal(toVerify, expected) {
		return false
	}
	return leadingZeros(expected) >= difficulty
}

func sign(solution []byte, signer Signer) ([]byte, error) {
	message := sha256.Sum256(solution)
	sig, err := signer.Sign(message[:])
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("challenge: unexpected signature length %d", len(sig))
	}
	// go-ethereum's Sign returns r||s||v; the wire format is v||r||s.
	result := make([]byte, 0, SignatureSize+len(solution))
	result = append(result, sig[64])
	result = append(result, sig[:64]...)
	result = append(result, solution...)
	return result, nil
}

func verifySignature(response []byte, pubKey []byte) ([]byte, error) {
	if len(response) < SignatureSize {
		return nil, ErrResponseTooShort
	}
	sig := response[:SignatureSize]
	embedded := response[SignatureSize:]

	v := sig[0]
	rs := sig[1:]

	// crypto.Ecrecover wants r||s||v.
	recoverSig := make([]byte, 65)
	copy(recoverSig, rs)
	recoverSig[64] = v

	message := sha256.Sum256(embedded)
	recovered, err := crypto.Ecrecover(message[:], recoverSig)
	if err != nil {
		return nil, err
	}

	// Ecrecover returns an uncompressed 65-byte key (0x04 prefix + X || Y);
	// the wire public key is the bare 64-byte X || Y.
	if len(recovered) == 65 {
		recovered = recovered[1:]
	}
	if !bytes.Equal(recovered, pubKey) {
		return nil, ErrInvalidSignature
	}
	return embedded, nil
}

func digestSHA3(nonce, input []byte) []byte {
	h := sha3.New512()
	h.Write(nonce)
	h.Write(input)
	return h.Sum(nil)
}

func leadingZeros(b []byte) uint64 {
	var total uint64
	for _, by := range b {
		if by == 0 {
			total += 8
			continue
		}
		total += uint64(bits.LeadingZeros8(by))
		break
	}
	return total
}
