// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package types

// CPUIDTemplate is a 32-character per-register mask as described in
// : each character is drawn from {'0','1','x','s','k'}
// meaning clear, set, default, same-as-host, keep-incoming.
type CPUIDTemplate string

const cpuidVocabulary = "01xsk"

// CPUIDPolicy is the four general-purpose registers of one CPUID leaf,
// each a 32-character template.
type CPUIDPolicy struct {
	EAX CPUIDTemplate
	EBX CPUIDTemplate
	ECX CPUIDTemplate
	EDX CPUIDTemplate
}

// Validate checks a single register template: it must be exactly 32
// characters, each drawn from the closed vocabulary. Testable property 8
// requires this check to happen before any hypervisor call.
func (t CPUIDTemplate) Validate() error {
	if len(t) != 32 {
		return NewErrorf(KindBadCpuidTemplate, "template length %d, want 32", len(t))
	}
	for _, c := range string(t) {
		if !containsRune(cpuidVocabulary, c) {
			return NewErrorf(KindBadCpuidTemplate, "invalid character %q in template", c)
		}
	}
	return nil
}

// Validate checks every register of the policy.
func (p CPUIDPolicy) Validate() error {
	for _, t := range []CPUIDTemplate{p.EAX, p.EBX, p.ECX, p.EDX} {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
