package utils

import (
	"crypto/sha256"
	"encoding/binary"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// SafeAdd returns a + b, or an error when the sum wraps around.
func SafeAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, xerrors.New("addition overflow")
	}
	return sum, nil
}

// SafeSub returns a - b, or an error when b > a.
func SafeSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, xerrors.New("subtraction underflow")
	}
	return a - b, nil
}

// SafeMul returns a * b, or an error when the product wraps around.
func SafeMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	prod := a * b
	if prod/a != b {
		return 0, xerrors.New("multiplication overflow")
	}
	return prod, nil
}

// Digest returns the sha256 digest of the concatenation of the chunks.
func Digest(chunks ...[]byte) []byte {
	h := sha256.New()
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	return h.Sum(nil)
}

func HashPoint(p kyber.Point) ([]byte, error) {
	buf, err := p.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal point: %v", err)
	}
	h := sha256.New()
	h.Write(buf)
	return h.Sum(nil), nil
}

func HashUint64(val uint64) []byte {
	h := sha256.New()
	h.Write(Uint64Bytes(val))
	return h.Sum(nil)
}

// Uint64Bytes encodes val the way instruction arguments carry amounts.
func Uint64Bytes(val uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	return buf
}

func Uint64FromBytes(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, xerrors.Errorf("expected 8 bytes, got %d", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}
