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

// C7: branch detector. A dangling commit becomes a branch tip when nothing
// else in the recovered graph points to it as a parent; walking backwards
// from each tip along parent edges finds that branch's origins (commits
// with a parent that is already in the local inventory) and its length. Grounded on original_source's
// GitRepository.get_dangling_branches, a breadth-first walk over the same
// shape expressed there as nested dict lookups.
package main

// ComputeBranches finds every connected tip in graph and walks its ancestry
// back to the boundary of the recovered subgraph. Only FOUND commits are
// eligible tips; ERASED commits never become branch ends (§4.7).
func ComputeBranches(graph *CommitGraph, inv *LocalInventory) []Branch {
    hasChildInGraph := func(c *Commit) bool {
        for _, child := range c.Children.Elements() {
            if _, ok := graph.Get(child); ok {
                return true
            }
        }
        return false
    }

    var branches []Branch
    for _, c := range graph.All() {
        if c.State != StateFound {
            continue
        }
        if hasChildInGraph(c) {
            continue // not a tip: some other recovered commit has it as a parent
        }
        branches = append(branches, walkBranch(graph, c, inv))
    }
    return branches
}

// walkBranch performs the backward BFS from a single tip, per §4.7. A commit
// is an origin when one of its parents is already in LocalInventory, i.e.
// the dangling subgraph reconnects to known history there.
func walkBranch(graph *CommitGraph, tip *Commit, inv *LocalInventory) Branch {
    visited := ObjectIdSet{}
    origins := ObjectIdSet{}
    queue := []ObjectId{tip.Sha}
    visited.Add(tip.Sha)

    for len(queue) > 0 {
        sha := queue[0]
        queue = queue[1:]

        c, ok := graph.Get(sha)
        if !ok {
            continue
        }

        isOrigin := false
        for _, p := range c.Parents {
            if inv.Commits.Contains(p) {
                isOrigin = true
                continue
            }
            if _, ok := graph.Get(p); !ok {
                continue // orphan: outside both universes, ignored (§8)
            }
            if !visited.Contains(p) {
                visited.Add(p)
                queue = append(queue, p)
            }
        }
        if isOrigin {
            origins.Add(sha)
        }
    }

    return Branch{End: tip.Sha, Origins: origins, Length: len(visited)}
}
