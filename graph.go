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

// C5: commit graph resolver. Expands the dangling subgraph breadth-first:
// fetch every UNKNOWN/INCOMPLETE commit's record, promote it, and seed its
// non-local parents as INCOMPLETE frontier nodes, until the frontier is empty.
// Grounded on original_source's domain/recovery.py's commit-walking loop,
// which performs the same fixed point over a plain dict instead of a typed
// CommitGraph.
package main

import (
    "context"
    "fmt"

    "github.com/sirupsen/logrus"
)

// ResolveCommitGraph drives C5's fixed point: repeatedly fetch every
// unresolved (UNKNOWN or INCOMPLETE) commit in graph until the frontier is
// empty. Each commit ends the loop FOUND (metadata retrieved, parents seeded
// as new frontier nodes) or ERASED (the forge no longer serves this sha at
// all, §4.5).
func ResolveCommitGraph(ctx context.Context, client ForgeClient, graph *CommitGraph, inv *LocalInventory, log *logrus.Entry) error {
    for {
        if err := ctx.Err(); err != nil {
            return ErrCancelled
        }

        pending := graph.Frontier() // every UNKNOWN or INCOMPLETE node needs its metadata fetched
        if len(pending) == 0 {
            return nil
        }

        shas := make([]ObjectId, len(pending))
        for i, c := range pending {
            shas[i] = c.Sha
        }

        records, err := client.FetchCommits(ctx, shas)
        if err != nil {
            return &RepositoryError{Op: "FetchCommits", Err: err}
        }

        // a forge may hand back more than was asked for: GitHub's
        // history(first:10) query returns each requested commit's ancestors
        // too (§4.5 step 2), pre-resolving them without a round-trip of
        // their own next iteration. Anything explicitly requested but not
        // answered at all is ERASED; everything the forge did answer -
        // requested or carried along as ancestry - is applied uniformly.
        for _, c := range pending {
            if _, ok := records[c.Sha]; !ok {
                c.Promote(StateErased)
            }
        }

        for sha, rec := range records {
            if inv.Commits.Contains(sha) {
                continue // ancestry reaching back into local history is not dangling
            }
            c := graph.GetOrCreate(sha)
            if c.State == StateFound || c.State == StateErased {
                continue // already resolved by this batch or an earlier one
            }
            if rec.Null {
                c.Promote(StateErased)
                continue
            }
            if err := applyCommitRecord(c, rec); err != nil {
                return err
            }
            c.Promote(StateFound)

            for _, p := range c.Parents {
                if inv.Commits.Contains(p) {
                    // reconnects to known history; not part of the dangling
                    // graph (this is one of c7's "origins").
                    continue
                }
                child := graph.GetOrCreate(p)
                child.Children.Add(c.Sha)
                if child.State == StateUnknown {
                    child.Promote(StateIncomplete)
                }
            }
        }

        log.WithField("frontier", len(pending)).WithField("records", len(records)).Debug("resolved commit batch")
    }
}

// applyCommitRecord copies a forge's CommitRecord fields into the graph node
// and validates its signature status against the enumerated set (§3);
// an unrecognized status is a fatal inconsistency rather than something to
// paper over, since it would silently corrupt C8's reconstruction attempt.
func applyCommitRecord(c *Commit, rec *CommitRecord) error {
    if rec.Signature.Status != "" && !knownSignatureStatus[rec.Signature.Status] {
        return storeErrorf("commit %s: unrecognized signature status %s", c.Sha, rec.Signature.Status)
    }

    c.Tree = rec.Tree
    c.Parents = rec.Parents
    c.Author = rec.Author
    c.Committer = rec.Committer
    c.Message = rec.Message // caret-escape decoding is C8's concern (reconstruct.go)
    c.Signature = rec.Signature
    return nil
}

// unresolvedSummary is a small diagnostic helper used by the orchestrator's
// final report to explain why a run stopped with commits still INCOMPLETE.
func unresolvedSummary(graph *CommitGraph) string {
    incomplete, erased := 0, 0
    for _, c := range graph.All() {
        switch c.State {
        case StateIncomplete:
            incomplete++
        case StateErased:
            erased++
        }
    }
    return fmt.Sprintf("%d incomplete, %d erased", incomplete, erased)
}
