// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"encoding/binary"
	"io"

	"github.com/openxenstack/domaind/types"
)

// WriteSaveMagic writes the literal save-image header
// requires before invoking the helper for any save.
func WriteSaveMagic(w io.Writer) error {
	_, err := io.WriteString(w, SaveMagic)
	return err
}

// ReadAndCheckSaveMagic consumes and validates the save-image header,
// failing BadSignature on mismatch.
func ReadAndCheckSaveMagic(r io.Reader) error {
	buf := make([]byte, len(SaveMagic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return types.NewErrorf(types.KindBadSignature, "short read: %v", err)
	}
	if string(buf) != SaveMagic {
		return types.NewErrorf(types.KindBadSignature, "got %q", buf)
	}
	return nil
}

// WriteDMState frames an HVM device-model state blob with the magic,
// a 4-byte big-endian length, then the bytes.
func WriteDMState(w io.Writer, blob []byte) error {
	if _, err := io.WriteString(w, DMMagic); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blob)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return err
}

// ReadDMState reads and validates the DM-state frame, returning the
// blob bytes. A short length field or truncated payload is
// TruncatedDmState; a bad magic is BadSignature.
func ReadDMState(r io.Reader) ([]byte, error) {
	magic := make([]byte, len(DMMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, types.NewErrorf(types.KindTruncatedDmState, "short magic read: %v", err)
	}
	if string(magic) != DMMagic {
		return nil, types.NewErrorf(types.KindBadSignature, "got %q", magic)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, types.NewErrorf(types.KindTruncatedDmState, "short length read: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, types.NewErrorf(types.KindTruncatedDmState, "short blob read: want %d bytes: %v", n, err)
	}
	return blob, nil
}
