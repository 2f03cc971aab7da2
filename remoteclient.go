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

// C3: the rate-limit/retry/bisection policy shared by both forge clients
// (github.go, gitlab.go). Grounded on original_source's infra/github.py
// __query_api_binary/__big_graphql_query and infra/gitlab.py's equivalents,
// reimplemented over github.com/cenkalti/backoff/v4 instead of a bespoke
// sleep loop — that library shows up in the same retrieved manifests
// (trufflehog, nanogit, gittuf) that ground the forge clients themselves.
package main

import (
    "context"
    "math/rand"
    "strings"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/sirupsen/logrus"
)

// CommitRecord is one commit as a forge reported it, before being merged
// into the orchestrator's CommitGraph by C5.
type CommitRecord struct {
    Sha       ObjectId
    Null      bool // server reports this commit absent -> ERASED
    Tree      ObjectId
    Parents   []ObjectId
    Author    Person
    Committer Person
    Message   string
    Signature Signature
}

// TreeRecord is one tree's entries as a forge reported them.
type TreeRecord struct {
    Sha     ObjectId
    Entries []TreeEntry
}

// ForgeClient is the capability interface of SPEC_FULL.md §9's "forge
// polymorphism" note: {getDanglingHashes, fetchCommitBatch, fetchTreeBatch,
// fetchBlob}, named here with Go-idiomatic method names. There is no blob
// classification method: every blob is downloaded through FetchBlob.
type ForgeClient interface {
    // DanglingHashes aggregates candidate dangling commit shas from every
    // endpoint this forge exposes (C4), already subtracted against local.
    DanglingHashes(ctx context.Context, local *LocalInventory) (ObjectIdSet, error)

    // FetchCommits resolves up to len(shas) commits in one logical batch,
    // bisecting internally on failure (C5).
    FetchCommits(ctx context.Context, shas []ObjectId) (map[ObjectId]*CommitRecord, error)

    // FetchTrees resolves up to len(shas) trees in one logical batch (C6).
    FetchTrees(ctx context.Context, shas []ObjectId) (map[ObjectId]*TreeRecord, error)

    // FetchBlob downloads one blob's raw bytes (C6).
    FetchBlob(ctx context.Context, sha ObjectId) ([]byte, error)
}

// CommitTreeResult is one commit's entire tree graph, resolved in a single
// recursive call. PerCommitTreeFetcher is the capability a forge client
// implements when its tree listing is keyed by commit (GitLab's
// /repository/tree?ref=<sha>&recursive=true) rather than by tree object id
// (GitHub's graphql object(oid:)); see §4.6's per-dialect branch.
type CommitTreeResult struct {
    Root  ObjectId
    Trees map[ObjectId]*TreeRecord // keyed by tree sha; includes Root and every subtree
    Blobs []ObjectId               // every blob entry discovered while walking the tree
}

type PerCommitTreeFetcher interface {
    FetchCommitTrees(ctx context.Context, commitShas []ObjectId) (map[ObjectId]*CommitTreeResult, error)
}

// batching window defaults (§4.3); forges may override per call site.
const (
    batchWindowCommits    = 200
    batchWindowTreeEntries = 500
    batchWindowBlobClass   = 1000
    batchWindowBlobText    = 200
)

// errorCategory is what classify() reduces a transport failure to.
type errorCategory int

const (
    catOther errorCategory = iota
    catRateLimitPrimary
    catRateLimitSecondary
    catTransient
    catAuth
)

// classifyError implements §4.3's categorization: "rate limit" in the
// error text triggers a rate-limit probe (done by the caller, since only the
// caller knows how to query /rate_limit for its forge); the fixed substrings
// below are this spec's own list of transient, retry-worthy parse failures.
func classifyError(err error) errorCategory {
    if err == nil {
        return catOther
    }
    msg := strings.ToLower(err.Error())
    switch {
    case strings.Contains(msg, "rate limit"):
        return catRateLimitPrimary
    case strings.Contains(msg, "unexpected eof"),
        strings.Contains(msg, "unexpected end of json"),
        strings.Contains(msg, "something went wrong while executing your query"):
        return catTransient
    case strings.Contains(msg, "401"), strings.Contains(msg, "bad credentials"),
        strings.Contains(msg, "unauthorized"):
        return catAuth
    default:
        return catOther
    }
}

// rateLimitSleeper answers "how long until the primary rate limit resets",
// forge-specific (GitHub: GET /rate_limit; GitLab has no equivalent endpoint
// exposed through client-go, so gitlab.go's sleeper always reports the
// secondary-limit fallback).
type rateLimitSleeper func(ctx context.Context) (time.Duration, error)

// categorizedBackOff bridges §4.3's categorized sleep policy into
// backoff.BackOff: withRetry's Operation records the category/sleep duration
// for the failure it just saw, and NextBackOff consults that recording
// rather than a fixed exponential curve.
type categorizedBackOff struct {
    attempt     int
    maxAttempts int
    nextSleep   time.Duration
}

func (b *categorizedBackOff) NextBackOff() time.Duration {
    b.attempt++
    if b.attempt >= b.maxAttempts {
        return backoff.Stop
    }
    return b.nextSleep
}

func (b *categorizedBackOff) Reset() { b.attempt = 0 }

// withRetry runs op up to 3 times total (§4.3's "hard ceiling"), sleeping
// between attempts per classify's verdict; rateLimit is consulted whenever
// classify reports a primary rate limit so the sleep matches the server's
// actual reset time instead of a guess. Auth failures are never retried.
func withRetry(ctx context.Context, log *logrus.Entry, op func() error, rateLimit rateLimitSleeper) error {
    cb := &categorizedBackOff{maxAttempts: 3}
    fatal := false

    attemptOp := func() error {
        err := op()
        if err == nil {
            return nil
        }
        switch classifyError(err) {
        case catAuth:
            log.WithError(err).Error("forge auth failure, not retrying")
            fatal = true
            return backoff.Permanent(err)
        case catRateLimitPrimary:
            if rateLimit != nil {
                if d, rlErr := rateLimit(ctx); rlErr == nil {
                    cb.nextSleep = d
                    log.WithField("sleep", d).Warn("primary rate limit hit")
                    return err
                }
            }
            cb.nextSleep = 60 * time.Second
            log.Warn("rate limited, assuming secondary limit")
            return err
        case catTransient:
            cb.nextSleep = time.Duration(1+rand.Intn(3)) * time.Second
            log.WithError(err).Warn("transient forge response, retrying")
            return err
        default:
            cb.nextSleep = time.Duration(1+rand.Intn(3)) * time.Second
            log.WithError(err).Warn("forge call failed, retrying")
            return err
        }
    }

    err := backoff.Retry(attemptOp, backoff.WithContext(cb, ctx))
    if err != nil {
        if fatal {
            // backoff.Retry hands back the error inside Permanent, so
            // errMaxAttemptsWrap cannot tell it apart from an exhausted retry.
            return &RepositoryError{Op: "withRetry", Err: err}
        }
        return &RepositoryError{Op: "withRetry", Err: errMaxAttemptsWrap(err)}
    }
    return nil
}

func errMaxAttemptsWrap(err error) error {
    if _, ok := err.(*backoff.PermanentError); ok {
        return err
    }
    return &retriesExhausted{err}
}

type retriesExhausted struct{ err error }

func (e *retriesExhausted) Error() string { return ErrMaxAttempts.Error() + ": " + e.err.Error() }
func (e *retriesExhausted) Unwrap() error { return ErrMaxAttempts }

// bisectBatch implements §4.3's adaptive bisection: on failure, split the
// request in half and recurse; a singleton batch that still fails is final.
// Used by GitHub's FetchCommits/FetchTrees and GitLab's FetchCommits when a full-window batch call
// errors, instead of failing the whole iteration (§9's bisection note: bounded
// recursion depth, explicit accumulator, no shared mutable state).
func bisectBatch[T any](shas []ObjectId, fetch func([]ObjectId) (map[ObjectId]T, error)) (map[ObjectId]T, error) {
    result, err := fetch(shas)
    if err == nil {
        return result, nil
    }
    if len(shas) <= 1 {
        return nil, err
    }
    mid := len(shas) / 2
    left, lerr := bisectBatch(shas[:mid], fetch)
    if lerr != nil {
        return nil, lerr
    }
    right, rerr := bisectBatch(shas[mid:], fetch)
    if rerr != nil {
        return nil, rerr
    }
    merged := make(map[ObjectId]T, len(left)+len(right))
    for k, v := range left {
        merged[k] = v
    }
    for k, v := range right {
        merged[k] = v
    }
    return merged, nil
}

// batched splits shas into chunks no larger than window, preserving order.
func batched(shas []ObjectId, window int) [][]ObjectId {
    var out [][]ObjectId
    for i := 0; i < len(shas); i += window {
        end := i + window
        if end > len(shas) {
            end = len(shas)
        }
        out = append(out, shas[i:end])
    }
    return out
}

// memoGet memoizes idempotent GETs keyed by (url, paginated, binary), bounded
// by the distinct endpoints queried in one run (§9's caching note).
type memoGet struct {
    cache map[string][]byte
}

func newMemoGet() *memoGet { return &memoGet{cache: map[string][]byte{}} }

func memoKey(url string, paginated, binary bool) string {
    return url + "|" + boolChar(paginated) + boolChar(binary)
}

func boolChar(b bool) string {
    if b {
        return "1"
    }
    return "0"
}

func (m *memoGet) Get(url string, paginated, binary bool, fetch func() ([]byte, error)) ([]byte, error) {
    key := memoKey(url, paginated, binary)
    if v, ok := m.cache[key]; ok {
        return v, nil
    }
    v, err := fetch()
    if err != nil {
        return nil, err
    }
    m.cache[key] = v
    return v, nil
}
