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

// C2: local inventory. Enumerates every object already present in the local
// store via `git cat-file --batch-check --batch-all-objects`, grounded on
// original_source's domain/utils.py get_local_git_objects, reusing the
// subprocess runner from git.go instead of a second hand-rolled exec.Command.
package main

import (
    "fmt"
    "strings"
)

// loadLocalInventory runs `git cat-file --batch-check --batch-all-objects`
// against gitDir and partitions the reported objects by kind. An unknown
// kind is fatal (§7: C2 errors must not be silently ignored).
func loadLocalInventory(gitDir string) (*LocalInventory, error) {
    out, err := xgit("--git-dir="+gitDir, "cat-file", "--batch-check", "--batch-all-objects")
    if err != nil {
        return nil, fmt.Errorf("local inventory: %w", err)
    }

    inv := newLocalInventory()
    for _, line := range splitlines(out, "\n") {
        if line == "" {
            continue
        }
        // "<sha> <kind> <size>" (cat-file --batch-check line shape)
        fields := strings.Fields(line)
        if len(fields) < 2 {
            return nil, storeErrorf("local inventory: malformed batch-check line %s", quote(line))
        }
        id, err := ParseObjectId(fields[0])
        if err != nil {
            return nil, storeErrorf("local inventory: %s", err)
        }
        switch fields[1] {
        case "commit":
            inv.Commits.Add(id)
        case "tree":
            inv.Trees.Add(id)
        case "blob":
            inv.Blobs.Add(id)
        case "tag":
            inv.Tags.Add(id)
        default:
            return nil, storeErrorf("local inventory: unknown object kind %s for %s", quote(fields[1]), id)
        }
    }
    return inv, nil
}

// gitDirOf resolves `git rev-parse --git-dir` relative to dir, used by C9 to
// locate the objects root for the forgery fallback's on-disk write.
func gitDirOf(dir string) (string, error) {
    out, err := xgit("-C", dir, "rev-parse", "--git-dir")
    if err != nil {
        return "", fmt.Errorf("git-dir: %w", err)
    }
    if strings.HasPrefix(out, "/") {
        return out, nil
    }
    return strings.TrimRight(dir, "/") + "/" + out, nil
}

// remoteOrigin is (host, ownerPath, repoName) derived from `git remote
// get-url origin`, grounded on original_source's domain/utils.py
// get_remote_origin (SSH form normalized to HTTPS, ".git" suffix stripped).
type remoteOrigin struct {
    Host      string
    OwnerPath string
    Repo      string
}

func loadRemoteOrigin(gitDir string) (remoteOrigin, error) {
    url, err := xgit("--git-dir="+gitDir, "remote", "get-url", "origin")
    if err != nil {
        return remoteOrigin{}, fmt.Errorf("remote origin: %w", err)
    }
    return parseRemoteOrigin(url)
}

func parseRemoteOrigin(url string) (remoteOrigin, error) {
    url = strings.TrimSuffix(url, ".git")

    // SSH shorthand: user@host:owner/repo
    if !strings.Contains(url, "://") {
        if host, rest, err := headtail(url, ":"); err == nil {
            if _, h, err2 := headtail(host, "@"); err2 == nil {
                host = h
            }
            owner, repo := splitOwnerRepo(rest)
            return remoteOrigin{Host: host, OwnerPath: owner, Repo: repo}, nil
        }
        return remoteOrigin{}, fmt.Errorf("remote origin: cannot parse %s", quote(url))
    }

    // https://host/owner/repo  or  ssh://user@host/owner/repo
    _, rest, err := headtail(url, "://")
    if err != nil {
        return remoteOrigin{}, fmt.Errorf("remote origin: cannot parse %s", quote(url))
    }
    if _, afterAt, err2 := headtail(rest, "@"); err2 == nil {
        rest = afterAt
    }
    host, path, err := headtail(rest, "/")
    if err != nil {
        return remoteOrigin{}, fmt.Errorf("remote origin: cannot parse %s", quote(url))
    }
    owner, repo := splitOwnerRepo(path)
    return remoteOrigin{Host: host, OwnerPath: owner, Repo: repo}, nil
}

func splitOwnerRepo(path string) (owner, repo string) {
    idx := strings.LastIndex(path, "/")
    if idx < 0 {
        return "", path
    }
    return path[:idx], path[idx+1:]
}
