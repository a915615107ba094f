// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"bytes"
	"testing"

	"github.com/openxenstack/domaind/types"
)

func TestParseFrameProgressClamps(t *testing.T) {
	f, err := parseFrame("progress \b\b\b\b150")
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if f.Kind != FrameProgress || f.Percent != 100 {
		t.Fatalf("expected clamped 100, got %+v", f)
	}

	f, err = parseFrame("progress \b\b\b\b-5")
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if f.Percent != 0 {
		t.Fatalf("expected clamped 0, got %d", f.Percent)
	}
}

func TestParseResultBuild(t *testing.T) {
	res, err := parseResult("4096 4097 x86_64-abi")
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if res.StoreMfn != 4096 || res.ConsoleMfn != 4097 || res.Protocol != "x86_64-abi" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestParseResultRestoreHasNoProtocol(t *testing.T) {
	res, err := parseResult("10 11")
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if res.Protocol != "" {
		t.Fatalf("expected empty protocol, got %q", res.Protocol)
	}
}

func TestParseFrameRejectsUnknown(t *testing.T) {
	if _, err := parseFrame("garbage"); !types.IsKind(err, types.KindHelperProtocol) {
		t.Fatalf("expected HelperProtocol, got %v", err)
	}
}

func TestDMStateRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("fake-qemu-state-blob")
	if err := WriteDMState(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadDMState(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}
}

func TestReadDMStateBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("NotTheRightMagic....")
	if _, err := ReadDMState(buf); !types.IsKind(err, types.KindBadSignature) {
		t.Fatalf("expected BadSignature, got %v", err)
	}
}

func TestReadDMStateTruncated(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteDMState(&buf, []byte("0123456789"))
	truncated := bytes.NewReader(buf.Bytes()[:len(DMMagic)+4+3])
	if _, err := ReadDMState(truncated); !types.IsKind(err, types.KindTruncatedDmState) {
		t.Fatalf("expected TruncatedDmState, got %v", err)
	}
}

func TestSaveMagicRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSaveMagic(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ReadAndCheckSaveMagic(&buf); err != nil {
		t.Fatalf("check: %v", err)
	}
}
