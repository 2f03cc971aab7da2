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

// C4: hash-source aggregator. Forge-agnostic glue that asks a ForgeClient for
// its candidate dangling shas and seeds the commit graph with them, grounded
// on original_source's domain/recovery.py get_dangling_commits (the part
// that is the same regardless of which forge answered).
package main

import (
    "context"

    "github.com/sirupsen/logrus"
)

// seedCandidates asks client for every candidate dangling commit sha and
// inserts a fresh UNKNOWN node in graph for each one not already present.
// Returns the number of new nodes seeded, for the orchestrator's summary.
func seedCandidates(ctx context.Context, client ForgeClient, local *LocalInventory, graph *CommitGraph, log *logrus.Entry) (int, error) {
    candidates, err := client.DanglingHashes(ctx, local)
    if err != nil {
        return 0, &RepositoryError{Op: "DanglingHashes", Err: err}
    }

    seeded := 0
    for _, sha := range candidates.Elements() {
        if _, exists := graph.Get(sha); exists {
            continue
        }
        graph.GetOrCreate(sha)
        seeded++
    }
    log.WithField("count", seeded).Info("seeded candidate dangling commits")
    return seeded, nil
}
