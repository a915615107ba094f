// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// Kind is the closed error taxonomy. Every operation exposed
// across the RPC boundary returns an error whose Kind is one of these
// values (or wraps one via errors.As), never a bare ad-hoc error.
type Kind int

// The closed set of error kinds. Do not add a variant here without also
// naming it in kindNames below, which rpc.mapError (rpc/rpc.go) uses as
// the wire name.
const (
	KindDoesNotExist Kind = iota
	KindAlreadyExists
	KindDeviceNotConnected
	KindDeviceDetachRejected
	KindDomainNotBuilt
	KindBadCpuidTemplate
	KindBadInterfaceName
	KindBadSignature
	KindTruncatedDmState
	KindBuildFailed
	KindHelperProtocol
	KindHelperReported
	KindBootloaderError
	KindNoBootableDevice
	KindBallooningError
	KindBallooningServiceAbsent
	KindBackendTimeout
	KindStuckInDyingState
	KindCancelled
	KindIoError
	KindInternalError
	KindNotSupported
	KindInvalidVmId
)

var kindNames = map[Kind]string{
	KindDoesNotExist:            "DoesNotExist",
	KindAlreadyExists:           "AlreadyExists",
	KindDeviceNotConnected:      "DeviceNotConnected",
	KindDeviceDetachRejected:    "DeviceDetachRejected",
	KindDomainNotBuilt:          "DomainNotBuilt",
	KindBadCpuidTemplate:        "BadCpuidTemplate",
	KindBadInterfaceName:        "BadInterfaceName",
	KindBadSignature:            "BadSignature",
	KindTruncatedDmState:        "TruncatedDmState",
	KindBuildFailed:             "BuildFailed",
	KindHelperProtocol:          "HelperProtocol",
	KindHelperReported:          "HelperReported",
	KindBootloaderError:         "BootloaderError",
	KindNoBootableDevice:        "NoBootableDevice",
	KindBallooningError:         "BallooningError",
	KindBallooningServiceAbsent: "BallooningServiceAbsent",
	KindBackendTimeout:          "BackendTimeout",
	KindStuckInDyingState:       "StuckInDyingState",
	KindCancelled:               "Cancelled",
	KindIoError:                 "IoError",
	KindInternalError:           "InternalError",
	KindNotSupported:            "NotSupported",
	KindInvalidVmId:             "InvalidVmId",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UnknownKind"
}

// Error is the single concrete error type used throughout the engine. It
// carries whatever payload the taxonomy entry names.
type Error struct {
	Kind Kind
	// Msg is a human-readable detail, present for text-carrying kinds
	// (HelperProtocol, HelperReported, InternalError,..).
	Msg string
	// DomId is set for StuckInDyingState.
	DomId DomId
	// Code is set for BallooningError.
	Code string
	// BootloaderKind/BootloaderDetail are set for BootloaderError.
	BootloaderKind   string
	BootloaderDetail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStuckInDyingState:
		return fmt.Sprintf("%s: domain %s", e.Kind, e.DomId)
	case KindBallooningError:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Msg)
	case KindBootloaderError:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.BootloaderKind, e.BootloaderDetail)
	case KindHelperProtocol, KindHelperReported, KindInternalError:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
		}
		return e.Kind.String()
	}
}

// Is allows errors.Is(err, NewError(KindDoesNotExist)) style comparisons
// keyed purely on Kind, ignoring payload.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// NewError builds a plain Error of the given kind with no payload.
func NewError(kind Kind) *Error {
	return &Error{Kind: kind}
}

// NewErrorf builds an Error carrying a formatted message.
func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrStuckInDyingState builds the StuckInDyingState(DomId) variant.
func ErrStuckInDyingState(domid DomId) *Error {
	return &Error{Kind: KindStuckInDyingState, DomId: domid}
}

// ErrBallooning builds the BallooningError(code,text) variant.
func ErrBallooning(code, text string) *Error {
	return &Error{Kind: KindBallooningError, Code: code, Msg: text}
}

// ErrBootloader builds the BootloaderError(kind,detail) variant.
func ErrBootloader(kind, detail string) *Error {
	return &Error{Kind: KindBootloaderError, BootloaderKind: kind, BootloaderDetail: detail}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
