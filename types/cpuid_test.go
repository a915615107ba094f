// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "testing"

func TestCPUIDTemplateValidate(t *testing.T) {
	ok := CPUIDTemplate("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid template, got %v", err)
	}

	tooShort := CPUIDTemplate("xxxx")
	if err := tooShort.Validate(); !IsKind(err, KindBadCpuidTemplate) {
		t.Fatalf("expected BadCpuidTemplate for short template, got %v", err)
	}

	badChar := CPUIDTemplate("zxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	if err := badChar.Validate(); !IsKind(err, KindBadCpuidTemplate) {
		t.Fatalf("expected BadCpuidTemplate for bad char, got %v", err)
	}

	allVocab := CPUIDTemplate("01xsk01xsk01xsk01xsk01xsk01xsk01")
	if err := allVocab.Validate(); err != nil {
		t.Fatalf("expected valid vocabulary template, got %v", err)
	}
}

func TestCPUIDPolicyValidate(t *testing.T) {
	good := CPUIDTemplate("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	bad := CPUIDTemplate("bad")

	p := CPUIDPolicy{EAX: good, EBX: good, ECX: good, EDX: good}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid policy, got %v", err)
	}

	p.ECX = bad
	if err := p.Validate(); !IsKind(err, KindBadCpuidTemplate) {
		t.Fatalf("expected BadCpuidTemplate, got %v", err)
	}
}
