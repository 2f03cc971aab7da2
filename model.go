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

// Data model for the dangling-object recovery engine: the commit-state
// lattice, the commit/tree/blob records the graph resolver and reconstructor
// operate on, and the local inventory snapshot.
package main

import (
    "strconv"
    "time"
)

// CommitState is a node's position in the UNKNOWN/INCOMPLETE/FOUND/ERASED
// lattice. FOUND and ERASED are terminal; see (*Commit).Promote.
type CommitState int

const (
    StateUnknown CommitState = iota
    StateIncomplete
    StateFound
    StateErased
)

func (s CommitState) String() string {
    switch s {
    case StateUnknown:
        return "UNKNOWN"
    case StateIncomplete:
        return "INCOMPLETE"
    case StateFound:
        return "FOUND"
    case StateErased:
        return "ERASED"
    default:
        return "?"
    }
}

// SignatureStatus mirrors a forge's commit-verification status string.
type SignatureStatus string

const (
    SigUnsigned           SignatureStatus = "UNSIGNED"
    SigValid               SignatureStatus = "VALID"
    SigNoUser               SignatureStatus = "NO_USER"
    SigUnknownKey           SignatureStatus = "UNKNOWN_KEY"
    SigBadCert              SignatureStatus = "BAD_CERT"
    SigBadEmail             SignatureStatus = "BAD_EMAIL"
    SigExpiredKey           SignatureStatus = "EXPIRED_KEY"
    SigGPGVerifyError       SignatureStatus = "GPGVERIFY_ERROR"
    SigGPGVerifyUnavailable SignatureStatus = "GPGVERIFY_UNAVAILABLE"
    SigInvalid              SignatureStatus = "INVALID"
    SigMalformedSig         SignatureStatus = "MALFORMED_SIG"
    SigNotSigningKey        SignatureStatus = "NOT_SIGNING_KEY"
    SigOCSPError            SignatureStatus = "OCSP_ERROR"
    SigOCSPPending          SignatureStatus = "OCSP_PENDING"
    SigOCSPRevoked          SignatureStatus = "OCSP_REVOKED"
    SigUnknownSigType       SignatureStatus = "UNKNOWN_SIG_TYPE"
    SigUnverifiedEmail      SignatureStatus = "UNVERIFIED_EMAIL"
)

// knownSignatureStatus is the enumerated set from §3; anything else is a
// fatal, unrecognized status (see graph.go's signature parsing step).
var knownSignatureStatus = map[SignatureStatus]bool{
    SigUnsigned: true, SigValid: true, SigNoUser: true, SigUnknownKey: true,
    SigBadCert: true, SigBadEmail: true, SigExpiredKey: true,
    SigGPGVerifyError: true, SigGPGVerifyUnavailable: true, SigInvalid: true,
    SigMalformedSig: true, SigNotSigningKey: true, SigOCSPError: true,
    SigOCSPPending: true, SigOCSPRevoked: true, SigUnknownSigType: true,
    SigUnverifiedEmail: true,
}

// Person is a commit's author or committer: name, email, and the ISO instant
// the forge reported (carrying its own explicit UTC offset).
type Person struct {
    Name  string
    Email string
    When  time.Time // .Location() holds the explicit offset from the ISO date
}

// Canonical renders "<name> <email> <unix> <tzoffset>" — the one true
// encoding tried first by the reconstruction engine (C8).
func (p Person) Canonical() string {
    return personLine(p.Name, p.Email, p.When.Unix(), p.When.Format("-0700"))
}

func personLine(name, email string, unix int64, tz string) string {
    return name + " <" + email + "> " + strconv.FormatInt(unix, 10) + " " + tz
}

// Signature carries a forge's GPG-verification status and the raw payload
// needed to reconstruct a signed commit byte-for-byte.
type Signature struct {
    Status    SignatureStatus
    Payload   string // the commit content, forge-returned, minus the gpgsig block
    Block     string // the signature block lines, unprefixed, no trailing blank line
}

func (s Signature) IsSigned() bool {
    return s.Status != "" && s.Status != SigUnsigned
}

// Commit is one node of the dangling commit graph (C5's CommitGraph).
// Parents/children are held as id sets, never pointers, so the graph has no
// cyclic ownership (see SPEC_FULL.md §9's re-architecture note).
type Commit struct {
    Sha       ObjectId
    State     CommitState
    Tree      ObjectId
    Parents   []ObjectId // insertion order; permuted by C8 when reconstructing
    Children  ObjectIdSet
    Author    Person
    Committer Person
    Message   string
    Signature Signature

    Forged bool // set by persist.go's forgeCommit when no variant reproduced this id and the forgery fallback wrote it
}

func newCommit(sha ObjectId) *Commit {
    return &Commit{Sha: sha, State: StateUnknown, Children: ObjectIdSet{}}
}

// Promote moves a commit forward in the state lattice. Moving into the same
// state is a no-op; moving backward out of a terminal state panics — that
// would violate invariant 3 of SPEC_FULL.md §8 and indicates a bug in the
// caller, not a condition to recover from silently.
func (c *Commit) Promote(to CommitState) {
    if c.State == StateFound || c.State == StateErased {
        if to != c.State {
            panic("commit state: cannot leave a terminal state")
        }
        return
    }
    if to < c.State {
        panic("commit state: backward transition")
    }
    c.State = to
}

// TreeEntry is one directory entry: a normalized octal mode, a name, the
// entry's object id, and its kind.
type TreeEntry struct {
    Mode uint32
    Name string
    Sha  ObjectId
    Kind string // "tree" | "blob" | "commit"
}

// Canonical git tree entry modes (§3).
const (
    ModeTree    uint32 = 0040000
    ModeFile    uint32 = 0100644
    ModeExec    uint32 = 0100755
    ModeSymlink uint32 = 0120000
    ModeGitlink uint32 = 0160000
)

// Tree is a recovered directory listing.
type Tree struct {
    Sha     ObjectId
    Entries []TreeEntry // order as returned/assembled; codec.go encodes in this order
}

// Blob is a recovered file's content, lazily populated.
type Blob struct {
    Sha   ObjectId
    Bytes []byte // nil until downloaded
}

// Branch is a synthesized head for one connected component of the dangling
// subgraph (C7's output).
type Branch struct {
    End     ObjectId
    Origins ObjectIdSet
    Length  int
}

// LocalInventory is the immutable partition of object ids already present in
// the local store, computed once by C2.
type LocalInventory struct {
    Commits ObjectIdSet
    Trees   ObjectIdSet
    Blobs   ObjectIdSet
    Tags    ObjectIdSet
}

func newLocalInventory() *LocalInventory {
    return &LocalInventory{
        Commits: ObjectIdSet{},
        Trees:   ObjectIdSet{},
        Blobs:   ObjectIdSet{},
        Tags:    ObjectIdSet{},
    }
}

// CommitGraph is the orchestrator-owned map of every candidate/dangling
// commit discovered so far. C4 seeds it and C5 expands and resolves it;
// beyond that, C6 fills in the root tree id of commits whose forge lists
// trees per commit (GitLab), and C9 sets Commit.Forged.
type CommitGraph struct {
    nodes map[ObjectId]*Commit
}

func newCommitGraph() *CommitGraph {
    return &CommitGraph{nodes: map[ObjectId]*Commit{}}
}

func (g *CommitGraph) Get(sha ObjectId) (*Commit, bool) {
    c, ok := g.nodes[sha]
    return c, ok
}

// GetOrCreate returns the existing node for sha, or inserts a fresh UNKNOWN
// one.
func (g *CommitGraph) GetOrCreate(sha ObjectId) *Commit {
    c, ok := g.nodes[sha]
    if !ok {
        c = newCommit(sha)
        g.nodes[sha] = c
    }
    return c
}

func (g *CommitGraph) Len() int { return len(g.nodes) }

// Frontier returns every commit still in UNKNOWN or INCOMPLETE state.
func (g *CommitGraph) Frontier() []*Commit {
    var out []*Commit
    for _, c := range g.nodes {
        if c.State == StateUnknown || c.State == StateIncomplete {
            out = append(out, c)
        }
    }
    return out
}

// All returns every commit node, in no particular order.
func (g *CommitGraph) All() []*Commit {
    out := make([]*Commit, 0, len(g.nodes))
    for _, c := range g.nodes {
        out = append(out, c)
    }
    return out
}
