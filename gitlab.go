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

// GitLab forge client (C3/C4 GitLab dialect).
//
// Grounded on original_source's infra/gitlab.py: PRIVATE-TOKEN auth,
// events+merge_requests+commits triple union for hash discovery, per-sha
// commit fetch with 404->ERASED, and folder-grouped tree reconstruction.
// Reimplemented against gitlab.com/gitlab-org/api/client-go (present
// directly in the retrieved trufflehog manifest) instead of raw
// net/http+requests-style calls. The original also carries an unfinished
// GraphQL commit fetcher (infra/gitlab.py __get_dangling_commits_graphql);
// per the open-question decision recorded in DESIGN.md, only the REST path
// is ported here.
package main

import (
    "context"
    "fmt"
    "net/http"
    "sort"
    "time"

    "github.com/sirupsen/logrus"
    gitlab "gitlab.com/gitlab-org/api/client-go"
)

type gitlabClient struct {
    projectPath string // "owner/repo" form client-go accepts as a PID
    rest        *gitlab.Client
    log         *logrus.Entry
    memo        *memoGet
}

func newGitLabClient(host, projectPath, token string, log *logrus.Entry) (*gitlabClient, error) {
    opts := []gitlab.ClientOptionFunc{}
    if host != "" && host != "gitlab.com" {
        opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("https://%s/api/v4", host)))
    }
    c, err := gitlab.NewClient(token, opts...)
    if err != nil {
        return nil, fmt.Errorf("gitlab client: %w", err)
    }
    return &gitlabClient{
        projectPath: projectPath,
        rest:        c,
        log:         log.WithField("forge", "gitlab"),
        memo:        newMemoGet(),
    }, nil
}

// rateLimitSleeper: client-go does not expose a GitLab equivalent of
// GET /rate_limit, so every rate-limited response is treated as the
// secondary-limit case (§4.3's "else sleep 60s").
func (c *gitlabClient) rateLimitSleeper(ctx context.Context) (time.Duration, error) {
    return 60 * time.Second, nil
}

// DanglingHashes unions /events?action=pushed, /merge_requests?state=all,
// and /repository/commits?all=true, then subtracts local (§4.4).
func (c *gitlabClient) DanglingHashes(ctx context.Context, local *LocalInventory) (ObjectIdSet, error) {
    candidates := ObjectIdSet{}

    var events []*gitlab.ContributionEvent
    err := withRetry(ctx, c.log, func() error {
        action := gitlab.EventTypeValue("pushed")
        opt := &gitlab.ListProjectVisibleEventsOptions{Action: &action, ListOptions: gitlab.ListOptions{PerPage: 100}}
        for {
            page, resp, err := c.rest.Events.ListProjectVisibleEvents(c.projectPath, opt, gitlab.WithContext(ctx))
            if err != nil {
                return err
            }
            events = append(events, page...)
            if resp.NextPage == 0 {
                break
            }
            opt.Page = resp.NextPage
        }
        return nil
    }, c.rateLimitSleeper)
    if err != nil {
        return nil, err
    }
    for _, e := range events {
        if e.PushData.CommitFrom != "" {
            addCandidateSha(candidates, e.PushData.CommitFrom)
        }
        if e.PushData.CommitTo != "" {
            addCandidateSha(candidates, e.PushData.CommitTo)
        }
    }

    var mrs []*gitlab.MergeRequest
    err = withRetry(ctx, c.log, func() error {
        state := "all"
        opt := &gitlab.ListProjectMergeRequestsOptions{State: &state, ListOptions: gitlab.ListOptions{PerPage: 100}}
        for {
            page, resp, err := c.rest.MergeRequests.ListProjectMergeRequests(c.projectPath, opt, gitlab.WithContext(ctx))
            if err != nil {
                return err
            }
            mrs = append(mrs, page...)
            if resp.NextPage == 0 {
                break
            }
            opt.Page = resp.NextPage
        }
        return nil
    }, c.rateLimitSleeper)
    if err != nil {
        return nil, err
    }
    for _, mr := range mrs {
        addCandidateSha(candidates, mr.SHA)
        addCandidateSha(candidates, mr.MergeCommitSHA)
        addCandidateSha(candidates, mr.SquashCommitSHA)
    }

    var commits []*gitlab.Commit
    err = withRetry(ctx, c.log, func() error {
        all := true
        opt := &gitlab.ListCommitsOptions{All: &all, ListOptions: gitlab.ListOptions{PerPage: 100}}
        for {
            page, resp, err := c.rest.Commits.ListCommits(c.projectPath, opt, gitlab.WithContext(ctx))
            if err != nil {
                return err
            }
            commits = append(commits, page...)
            if resp.NextPage == 0 {
                break
            }
            opt.Page = resp.NextPage
        }
        return nil
    }, c.rateLimitSleeper)
    if err != nil {
        return nil, err
    }
    for _, cm := range commits {
        addCandidateSha(candidates, cm.ID)
        for _, p := range cm.ParentIDs {
            addCandidateSha(candidates, p)
        }
    }

    return candidates.Sub(local.Commits).Sub(local.Tags), nil
}

// FetchCommits fetches each sha individually via
// /repository/commits/{sha}; a 404 transitions the commit to ERASED (§4.5).
// GitLab has no bulk-by-sha endpoint, so batching here only governs how many
// shas one bisection group covers, not how many HTTP calls are made.
func (c *gitlabClient) FetchCommits(ctx context.Context, shas []ObjectId) (map[ObjectId]*CommitRecord, error) {
    out := map[ObjectId]*CommitRecord{}
    for _, chunk := range batched(shas, batchWindowCommits) {
        res, err := bisectBatch(chunk, func(sub []ObjectId) (map[ObjectId]*CommitRecord, error) {
            return c.fetchCommitChunk(ctx, sub)
        })
        if err != nil {
            return nil, err
        }
        for k, v := range res {
            out[k] = v
        }
    }
    return out, nil
}

func (c *gitlabClient) fetchCommitChunk(ctx context.Context, shas []ObjectId) (map[ObjectId]*CommitRecord, error) {
    out := map[ObjectId]*CommitRecord{}
    for _, sha := range shas {
        var commit *gitlab.Commit
        erased := false
        err := withRetry(ctx, c.log, func() error {
            cm, resp, err := c.rest.Commits.GetCommit(c.projectPath, sha.String(), nil, gitlab.WithContext(ctx))
            if resp != nil && resp.StatusCode == http.StatusNotFound {
                erased = true
                return nil
            }
            if err != nil {
                return err
            }
            commit = cm
            return nil
        }, c.rateLimitSleeper)
        if err != nil {
            return nil, err
        }
        if erased || commit == nil {
            out[sha] = &CommitRecord{Sha: sha, Null: true}
            continue
        }
        out[sha] = c.recordFromCommit(sha, commit)
    }
    return out, nil
}

// recordFromCommit always reports SigUnsigned: GitLab's GET
// /repository/commits/{sha}/signature endpoint exposes a verification
// verdict (verified/unverified/...) but never the raw pre-gpgsig commit
// payload or the armored signature block itself, so there is nothing here
// C8 could splice back into encodeCommitSigned. A GitLab commit that is
// actually GPG-signed therefore matches no unsigned variant (its id covers
// the gpgsig header, which the unsigned encoding lacks) and takes the
// forgery fallback (§4.8) instead; what matters is that this client never
// claims a Signature it cannot back up with Payload and Block, which would
// make persist.go treat it as a fatal reconstruction failure (§4.8's
// InvalidSha-on-signed-commit path).
func (c *gitlabClient) recordFromCommit(sha ObjectId, cm *gitlab.Commit) *CommitRecord {
    var parents []ObjectId
    for _, p := range cm.ParentIDs {
        if pid, err := ParseObjectId(p); err == nil {
            parents = append(parents, pid)
        }
    }

    return &CommitRecord{
        Sha:       sha,
        Tree:      ObjectId{}, // GitLab's commit payload carries no tree id; resolved via tree entries in C6
        Parents:   parents,
        Author:    Person{Name: cm.AuthorName, Email: cm.AuthorEmail, When: commitTimeOf(cm.AuthoredDate)},
        Committer: Person{Name: cm.CommitterName, Email: cm.CommitterEmail, When: commitTimeOf(cm.CommittedDate)},
        Message:   cm.Message,
        Signature: Signature{Status: SigUnsigned},
    }
}

func commitTimeOf(t *time.Time) time.Time {
    if t == nil {
        return time.Time{}
    }
    return *t
}

// FetchTrees satisfies ForgeClient for symmetry with GitHub, but GitLab's
// tree listing is keyed by commit, not by tree object id (a tree sha is not
// a valid `ref`); C6 (trees.go) detects gitlabClient's PerCommitTreeFetcher
// capability below and calls FetchCommitTrees instead. This method exists
// only so gitlabClient satisfies ForgeClient and is never called in
// practice for GitLab repositories.
func (c *gitlabClient) FetchTrees(ctx context.Context, shas []ObjectId) (map[ObjectId]*TreeRecord, error) {
    return nil, storeErrorf("gitlab: per-object tree fetch unsupported; use FetchCommitTrees")
}

type glFolder struct {
    path    string
    id      ObjectId
    entries []TreeEntry
}

// FetchCommitTrees resolves the entire tree graph reachable from each commit
// sha in one recursive listing per commit (§4.6's GitLab branch), grounded
// on infra/gitlab.py's __get_dangling_trees_and_blobs.
func (c *gitlabClient) FetchCommitTrees(ctx context.Context, commitShas []ObjectId) (map[ObjectId]*CommitTreeResult, error) {
    out := map[ObjectId]*CommitTreeResult{}
    for _, sha := range commitShas {
        if err := ctx.Err(); err != nil {
            return nil, ErrCancelled
        }
        res, err := c.fetchTreeForCommit(ctx, sha)
        if err != nil {
            return nil, err
        }
        out[sha] = res
    }
    return out, nil
}

var _ PerCommitTreeFetcher = (*gitlabClient)(nil)

// fetchTreeForCommit lists every entry under commit sha recursively, groups
// them by parent directory, computes each subtree's id bottom-up via C1, and
// returns every tree (root plus subtrees) and blob discovered. Grounded on
// infra/gitlab.py's __get_dangling_trees_and_blobs.
func (c *gitlabClient) fetchTreeForCommit(ctx context.Context, sha ObjectId) (*CommitTreeResult, error) {
    var nodes []*gitlab.TreeNode
    err := withRetry(ctx, c.log, func() error {
        recursive := true
        ref := sha.String()
        opt := &gitlab.ListTreeOptions{Ref: &ref, Recursive: &recursive, ListOptions: gitlab.ListOptions{PerPage: 100}}
        for {
            page, resp, err := c.rest.Repositories.ListTree(c.projectPath, opt, gitlab.WithContext(ctx))
            if err != nil {
                return err
            }
            nodes = append(nodes, page...)
            if resp.NextPage == 0 {
                break
            }
            opt.Page = resp.NextPage
        }
        return nil
    }, c.rateLimitSleeper)
    if err != nil {
        return nil, err
    }

    byFolder := map[string]*glFolder{"": {path: ""}}
    folderOf := func(path string) string {
        idx := lastSlash(path)
        if idx < 0 {
            return ""
        }
        return path[:idx]
    }
    ensureFolder := func(path string) *glFolder {
        if f, ok := byFolder[path]; ok {
            return f
        }
        f := &glFolder{path: path}
        byFolder[path] = f
        return f
    }

    for _, n := range nodes {
        parent := ensureFolder(folderOf(n.Path))
        name := n.Name
        switch n.Type {
        case "blob":
            id, perr := ParseObjectId(n.ID)
            if perr != nil {
                return nil, storeErrorf("gitlab tree entry: invalid oid %s", n.ID)
            }
            mode, merr := normalizeGitLabMode(n.Mode)
            if merr != nil {
                return nil, merr
            }
            parent.entries = append(parent.entries, TreeEntry{Mode: mode, Name: name, Sha: id, Kind: "blob"})
        case "tree":
            ensureFolder(n.Path) // reserve so a later bottom-up pass can find it
            parent.entries = append(parent.entries, TreeEntry{Mode: ModeTree, Name: name, Sha: ObjectId{}, Kind: "tree"})
        case "commit":
            // submodule reference, ignored per §4.6
        }
    }

    // compute subtree ids bottom-up: deepest paths first
    var paths []string
    for p := range byFolder {
        if p != "" {
            paths = append(paths, p)
        }
    }
    sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })

    for _, p := range paths {
        f := byFolder[p]
        id, err := encodeTreePermissive(f.entries)
        if err != nil {
            return nil, err
        }
        f.id = id
        parentPath := folderOf(p)
        parentFolder, ok := byFolder[parentPath]
        if !ok {
            return nil, storeErrorf("gitlab tree reconstruction: entry of folder %s not found in tree map", quote(p))
        }
        name := p[lastSlash(p)+1:]
        for i := range parentFolder.entries {
            if parentFolder.entries[i].Kind == "tree" && parentFolder.entries[i].Name == name {
                parentFolder.entries[i].Sha = id
            }
        }
    }

    root := byFolder[""]
    rootId, err := encodeTreePermissive(root.entries)
    if err != nil {
        return nil, err
    }
    root.id = rootId

    trees := make(map[ObjectId]*TreeRecord, len(byFolder))
    var blobs []ObjectId
    for _, f := range byFolder {
        trees[f.id] = &TreeRecord{Sha: f.id, Entries: f.entries}
        for _, e := range f.entries {
            if e.Kind == "blob" {
                blobs = append(blobs, e.Sha)
            }
        }
    }

    return &CommitTreeResult{Root: rootId, Trees: trees, Blobs: blobs}, nil
}

// encodeTreePermissive computes a subtree's id without verifying it against
// a forge-claimed sha (GitLab never reports one for intermediate subtrees;
// only the root sha is known ahead of time).
func encodeTreePermissive(entries []TreeEntry) (ObjectId, error) {
    sortTreeEntries(entries)
    var buf []byte
    for _, e := range entries {
        buf = append(buf, []byte(fmt.Sprintf("%o %s\x00", e.Mode, e.Name))...)
        buf = append(buf, e.Sha.Bytes()...)
    }
    return computeId("tree", buf), nil
}

// sortTreeEntries orders entries the way git compares tree entries: by name,
// with directory names treated as if suffixed by "/" (so a file "foo" sorts
// before "foo-bar" but a directory "foo", compared as "foo/", sorts after
// it) — required for the subtree id this
// function computes to match what a real git tree object would hash to.
func sortTreeEntries(entries []TreeEntry) {
    sortKey := func(e TreeEntry) string {
        if e.Kind == "tree" {
            return e.Name + "/"
        }
        return e.Name
    }
    sort.Slice(entries, func(i, j int) bool { return sortKey(entries[i]) < sortKey(entries[j]) })
}

func lastSlash(s string) int {
    for i := len(s) - 1; i >= 0; i-- {
        if s[i] == '/' {
            return i
        }
    }
    return -1
}

func normalizeGitLabMode(mode string) (uint32, error) {
    switch mode {
    case "40000":
        return ModeTree, nil
    case "100644":
        return ModeFile, nil
    case "100755":
        return ModeExec, nil
    case "120000":
        return ModeSymlink, nil
    case "160000":
        return ModeGitlink, nil
    default:
        return 0, storeErrorf("gitlab tree entry: unknown mode %s", mode)
    }
}

func (c *gitlabClient) FetchBlob(ctx context.Context, sha ObjectId) ([]byte, error) {
    var content []byte
    err := withRetry(ctx, c.log, func() error {
        data, _, err := c.rest.Repositories.RawBlobContent(c.projectPath, sha.String(), gitlab.WithContext(ctx))
        if err != nil {
            return err
        }
        content = data
        return nil
    }, c.rateLimitSleeper)
    if err != nil {
        return nil, err
    }
    return content, nil
}

var _ ForgeClient = (*gitlabClient)(nil)
