// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package base

import "math"

// RoundToKbytes converts a byte count to kilobytes with round-off.
func RoundToKbytes(byteCount uint64) uint64 {
	const kbyte = 1024
	return (byteCount + kbyte/2) / kbyte
}

// RoundToMbytes converts a byte count to megabytes with round-off.
func RoundToMbytes(byteCount uint64) uint64 {
	const mbyte = 1 << 20
	return (byteCount + mbyte/2) / mbyte
}

// RoundUpToMbytes converts a byte count to megabytes, rounding up.
func RoundUpToMbytes(byteCount uint64) uint64 {
	const mbyte = 1 << 20
	return (byteCount + mbyte - 1) / mbyte
}

// PagesToBytes converts a hypervisor page count to bytes.
func PagesToBytes(pages uint64, pageSize uint64) uint64 {
	return pages * pageSize
}

// ClampToUint32 saturates val at math.MaxUint32.
func ClampToUint32(val uint64) uint32 {
	if val > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(val)
}
