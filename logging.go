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

// Logging has two tiers, matching the base layout's own split between the
// CLI boundary and the engine: infof/debugf/gitprogress are kept verbatim
// from git-backup.go for the handful of call sites that just want a
// verbosity-gated print (git.go's subprocess trace, in particular); newLogger
// upgrades everything component-level (C3's retry/backoff, C5's frontier
// iterations) to a structured logrus.Entry, since those call sites attach
// fields (sha, forge, component) a bare Printf can't express.
package main

import (
    "fmt"

    "github.com/sirupsen/logrus"
)

// verbose output
// 0 - quiet (warnings and up)
// 1 - info (default)
// 2 - progress of long-running operations
// 3 - debug
var verbose = 1

func infof(format string, a ...interface{}) {
    if verbose > 0 {
        fmt.Printf(format, a...)
        fmt.Println()
    }
}

// what to pass to git subprocess to stdout/stderr
// DontRedirect - no-redirection, PIPE - output to us
func gitprogress() StdioRedirect {
    if verbose > 1 {
        return DontRedirect
    }
    return PIPE
}

func debugf(format string, a ...interface{}) {
    if verbose > 2 {
        fmt.Printf(format, a...)
        fmt.Println()
    }
}

// newLogger builds the shared structured logger for the engine's
// components, with its level selected from the same verbose counter the CLI
// flags (-d/-q) drive: -q -> Warn, default -> Info, -d -> Debug, -d -d (or
// more) -> Trace.
func newLogger(verbose int) *logrus.Logger {
    log := logrus.New()
    switch {
    case verbose <= 0:
        log.SetLevel(logrus.WarnLevel)
    case verbose == 1:
        log.SetLevel(logrus.InfoLevel)
    case verbose == 2:
        log.SetLevel(logrus.DebugLevel)
    default:
        log.SetLevel(logrus.TraceLevel)
    }
    return log
}

// component returns a logger entry tagged for one recovery-engine component,
// the idiom trufflehog's retrieved source exercises for its own structured
// logger (one shared *logrus.Logger, fields attached per call site).
func component(log *logrus.Logger, name string) *logrus.Entry {
    return log.WithField("component", name)
}
