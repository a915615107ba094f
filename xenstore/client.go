// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package xenstore implements the Host-Configuration Tree client of
// : transactional key/value reads, writes and watches on the
// hierarchical control tree shared with guests.
package xenstore

import (
	"context"

	"github.com/openxenstack/domaind/types"
)

// Permission is one entry of a setperms call: a domain id and the access
// it is granted ( "Permissions: ro for guest-read paths, rw for
// device/error/control/..").
type Permission struct {
	DomId DomId
	Write bool
}

// DomId avoids importing the engine's own DomId type into every call
// site verbatim while keeping the wire type identical.
type DomId = types.DomId

// Client is the Host-Configuration Tree client surface the engine
// depends on. All operations that can fail distinguish NotFound (path
// absent) from a generic I/O failure
type Client interface {
	// Read returns the value at path, or a types.KindDoesNotExist error
	// if the path is absent.
	Read(ctx context.Context, path string) (string, error)
	// Write sets path to value, creating intermediate nodes as needed.
	Write(ctx context.Context, path, value string) error
	// Mkdir creates an empty node at path if it does not already exist.
	Mkdir(ctx context.Context, path string) error
	// Rm recursively removes path and everything below it. Removing an
	// absent path is not an error.
	Rm(ctx context.Context, path string) error
	// Directory lists the immediate children of path.
	Directory(ctx context.Context, path string) ([]string, error)
	// SetPerms sets the owner domain and ACL of path.
	SetPerms(ctx context.Context, path string, owner DomId, perms []Permission) error
	// Readv reads every path in paths, in one round-trip where the
	// backing transport supports it.
	Readv(ctx context.Context, paths []string) (map[string]string, error)
	// Writev writes every key in values, in one round-trip where the
	// backing transport supports it.
	Writev(ctx context.Context, values map[string]string) error

	// Watch registers interest in path; fires on the returned channel
	// whenever the node or a descendant changes. Watches are coalesced
	// by path: registering the same path twice returns the same feed.
	// The consumer must be idempotent.
	Watch(ctx context.Context, path string) (<-chan struct{}, error)
	// Unwatch cancels a previously registered watch.
	Unwatch(path string) error

	// Transaction runs fn inside a transaction scope that guarantees
	// atomic multi-op updates or a full retry: if fn returns nil but the
	// underlying transaction fails to commit (lost the race with another
	// writer), Transaction retries fn from the top.
	Transaction(ctx context.Context, fn func(Tx) error) error

	// Close releases the underlying connection.
	Close() error
}

// Tx is the client surface available inside a Transaction callback. It is
// identical to Client's key/value operations, scoped to one in-flight
// transaction.
type Tx interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, value string) error
	Mkdir(ctx context.Context, path string) error
	Rm(ctx context.Context, path string) error
	Directory(ctx context.Context, path string) ([]string, error)
	SetPerms(ctx context.Context, path string, owner DomId, perms []Permission) error
}
