// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package base

import "testing"

func TestPagesToBytes(t *testing.T) {
	if got := PagesToBytes(1024, 4096); got != 4194304 {
		t.Fatalf("PagesToBytes(1024,4096) = %d, want 4194304", got)
	}
}

func TestRoundToKbytes(t *testing.T) {
	if got := RoundToKbytes(1536); got != 2 {
		t.Fatalf("RoundToKbytes(1536) = %d, want 2", got)
	}
}
