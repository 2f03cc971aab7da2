// Copyright (C) 2025  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Typed error kinds for the recovery engine. CommandExecution is GitError
// (git.go); the remaining four live here.
package main

import (
    "errors"
    "fmt"
)

// RepositoryError reports a forge that returned an unexpected shape,
// exhausted its retry budget, or lacks the credentials to answer at all.
type RepositoryError struct {
    Forge string
    Op    string
    Err   error
}

func (e *RepositoryError) Error() string {
    return fmt.Sprintf("%s: %s: %s", e.Forge, e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// ErrMaxAttempts is wrapped by RepositoryError when a single call exhausts
// its retry ceiling (see remoteclient.go).
var ErrMaxAttempts = errors.New("max retry attempts exceeded")

// InvalidShaError reports that a reconstructed byte sequence did not hash to
// the id the forge claimed it would.
type InvalidShaError struct {
    Want ObjectId
    Kind string // "commit" | "tree" | "blob"
}

func (e *InvalidShaError) Error() string {
    return fmt.Sprintf("%s %s: no reconstruction variant reproduces this id", e.Kind, e.Want)
}

// StoreError reports the local object store is inconsistent with what this
// engine understands git objects to look like (unknown kind, unknown mode).
type StoreError struct {
    Msg string
}

func (e *StoreError) Error() string { return e.Msg }

func storeErrorf(format string, args ...interface{}) *StoreError {
    return &StoreError{Msg: fmt.Sprintf(format, args...)}
}

// ErrCancelled is returned by long-running operations when the orchestrator's
// context is cancelled at an iteration boundary.
var ErrCancelled = errors.New("recovery cancelled")
