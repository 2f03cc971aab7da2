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

// Orchestrator: drives C2 -> C4 -> C5 -> C6 -> C7 -> C8/C9 in the order
// §2's control-flow line specifies, owning the single CommitGraph and
// ObjectStore the components share. Grounded on original_source's
// __main__.py, which runs the equivalent pipeline (fetch, find dangling
// hashes, resolve commit graph, resolve trees, compute branches, write
// everything, print the summary) as one linear function.
package main

import (
    "context"
    "fmt"

    "github.com/sirupsen/logrus"
)

// Config is the core library's equivalent of the CLI parameters named in §6.
type Config struct {
    GitDir string
    Server string // "github" | "gitlab" | "azure_devops" | "" (auto-detect)
    Save   bool

    GitHubToken  string
    GitLabToken  string
}

// Summary is the user-visible report §7 requires at the end of a run.
type Summary struct {
    CommitsRecovered int
    TreesRecovered   int
    BlobsRecovered   int
    CommitsForged    int
    CommitsErased    int
    BranchesCreated  int
}

// Run executes one full recovery pass against cfg.GitDir and returns the
// summary counts §7 names. It is the single entry point main.go calls.
func Run(ctx context.Context, cfg Config, log *logrus.Logger) (*Summary, error) {
    if _, err := xgit("-C", cfg.GitDir, "fetch", "--all"); err != nil {
        return nil, fmt.Errorf("fetch --all: %w", err)
    }
    // cfg.GitDir may be a worktree path rather than the actual git
    // directory; resolve it once so the rest of the run addresses the
    // repository unambiguously (loadLocalInventory/loadRemoteOrigin take
    // the resolved form, Persist re-resolves from the original path itself).
    gitDir, err := gitDirOf(cfg.GitDir)
    if err != nil {
        return nil, err
    }

    local, err := loadLocalInventory(gitDir)
    if err != nil {
        return nil, err
    }

    origin, err := loadRemoteOrigin(gitDir)
    if err != nil {
        return nil, err
    }

    client, err := newForgeClient(ctx, cfg, origin, log)
    if err != nil {
        return nil, err
    }

    graph := newCommitGraph()

    aggLog := component(log, "aggregator")
    if _, err := seedCandidates(ctx, client, local, graph, aggLog); err != nil {
        return nil, err
    }

    graphLog := component(log, "graph")
    if err := ResolveCommitGraph(ctx, client, graph, local, graphLog); err != nil {
        return nil, err
    }

    treesLog := component(log, "trees")
    store, err := ResolveTreesAndBlobs(ctx, client, graph, local, treesLog)
    if err != nil {
        return nil, err
    }

    branches := ComputeBranches(graph, local)

    persistLog := component(log, "persist")
    result, err := Persist(cfg.GitDir, graph, store, branches, persistLog)
    if err != nil {
        return nil, err
    }

    if cfg.Save {
        if err := WriteSummary("dangling_objects.json", result); err != nil {
            return nil, err
        }
    }

    summary := summarize(graph, result)
    log.WithFields(logrus.Fields{
        "commits": summary.CommitsRecovered,
        "trees":   summary.TreesRecovered,
        "blobs":   summary.BlobsRecovered,
        "forged":  summary.CommitsForged,
        "erased":  summary.CommitsErased,
        "branches": summary.BranchesCreated,
    }).Info("recovery complete")
    return summary, nil
}

func summarize(graph *CommitGraph, result *PersistResult) *Summary {
    s := &Summary{
        CommitsRecovered: len(result.CommitsWritten),
        TreesRecovered:   len(result.TreesWritten),
        BlobsRecovered:   len(result.BlobsWritten),
        CommitsForged:    len(result.Forged),
        BranchesCreated:  len(result.BranchesCreated),
    }
    for _, c := range graph.All() {
        if c.State == StateErased {
            s.CommitsErased++
        }
    }
    return s
}

// newForgeClient is the §9 "forge polymorphism" factory: Azure DevOps is
// recognized but fails fast, matching the original's own scope.
func newForgeClient(ctx context.Context, cfg Config, origin remoteOrigin, log *logrus.Logger) (ForgeClient, error) {
    server := cfg.Server
    if server == "" {
        switch origin.Host {
        case "github.com":
            server = "github"
        default:
            server = "gitlab"
        }
    }

    switch server {
    case "github":
        return newGitHubClient(ctx, origin.OwnerPath, origin.Repo, cfg.GitHubToken, component(log, "github")), nil
    case "gitlab":
        projectPath := origin.OwnerPath + "/" + origin.Repo
        return newGitLabClient(origin.Host, projectPath, cfg.GitLabToken, component(log, "gitlab"))
    case "azure_devops":
        return nil, fmt.Errorf("--server azure_devops: not implemented")
    default:
        return nil, fmt.Errorf("--server %s: unrecognized", server)
    }
}
