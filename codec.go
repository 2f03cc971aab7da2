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

// C1: hashing & object codec. computeId mirrors the content-addressing
// scheme ReadObject/WriteObject in the base layout relied on git2go's Odb
// for; here it is expressed directly since the engine must try many candidate
// byte sequences per commit (C8) before any of them is ever written.
package main

import (
    "bytes"
    "crypto/sha1"
    "encoding/hex"
    "fmt"
    "strconv"
    "strings"

    "lab.nexedi.com/kirr/go123/mem"
)

// computeId returns the git object id of <kind> content <bytes>.
func computeId(kind string, content []byte) ObjectId {
    header := fmt.Sprintf("%s %d\x00", kind, len(content))
    h := sha1.New()
    h.Write([]byte(header))
    h.Write(content)
    sum := h.Sum(nil)
    id, err := ParseObjectId(hex.EncodeToString(sum))
    if err != nil {
        // sha1.Sum always yields exactly 20 bytes; ParseObjectId cannot fail here.
        panic(err)
    }
    return id
}

// encodeTree concatenates "<mode> <name>\0" + raw(sha) for every entry, in
// the order given, and verifies the result hashes to want.
func encodeTree(entries []TreeEntry, want ObjectId) ([]byte, error) {
    var buf bytes.Buffer
    for _, e := range entries {
        fmt.Fprintf(&buf, "%o %s\x00", e.Mode, e.Name)
        buf.Write(e.Sha.Bytes())
    }
    got := computeId("tree", buf.Bytes())
    if got != want {
        return nil, &InvalidShaError{Want: want, Kind: "tree"}
    }
    return buf.Bytes(), nil
}

// encodeCommitUnsigned builds the canonical unsigned commit byte sequence:
//
//	tree <tree-sha>\n
//	(parent <p>\n)*
//	author <authorStr>\n
//	committer <committerStr>\n
//	\n
//	<message>
func encodeCommitUnsigned(tree ObjectId, parents []ObjectId, authorStr, committerStr, message string) []byte {
    var buf bytes.Buffer
    fmt.Fprintf(&buf, "tree %s\n", tree)
    for _, p := range parents {
        fmt.Fprintf(&buf, "parent %s\n", p)
    }
    fmt.Fprintf(&buf, "author %s\n", authorStr)
    fmt.Fprintf(&buf, "committer %s\n", committerStr)
    buf.WriteString("\n")
    buf.WriteString(message)
    return buf.Bytes()
}

// encodeCommitSigned reinserts the gpgsig block into a forge-provided
// unsigned payload, immediately after the first line that starts with
// "committer ". Only the first such line is treated as the commit's actual
// committer line — some commit messages legitimately contain the word
// "committer" (e.g. in a conflict-marker dump), and those must not be
// mistaken for the header.
func encodeCommitSigned(payload, signatureBlock string) []byte {
    lines := strings.SplitAfter(payload, "\n")

    var out bytes.Buffer
    inserted := false
    for _, line := range lines {
        out.WriteString(line)
        if !inserted && strings.HasPrefix(line, "committer ") {
            out.WriteString("gpgsig ")
            sigLines := strings.Split(strings.TrimRight(signatureBlock, "\n"), "\n")
            for i, sl := range sigLines {
                if i > 0 {
                    out.WriteString(" ")
                }
                out.WriteString(sl)
                out.WriteString("\n")
            }
            inserted = true
        }
    }
    return out.Bytes()
}

// caretEscapeReplacer maps "^X" -> the C0 control byte it denotes, for every
// X the forge is known to emit this way (A-Z plus the five punctuation
// characters immediately following Z in ASCII).
var caretEscapeReplacer = func() map[string]string {
    m := make(map[string]string, 30)
    add := func(x byte, b byte) {
        m["^"+string(x)] = string([]byte{b})
    }
    for x := byte('A'); x <= 'Z'; x++ {
        add(x, x-'A'+1) // ^A -> \x01 .. ^Z -> \x1A
    }
    for i, x := range []byte{'[', '\\', ']', '^', '_'} {
        add(x, byte(0x1B+i)) // ^[ -> \x1B, ^\ -> \x1C, ^] -> \x1D, ^^ -> \x1E, ^_ -> \x1F
    }
    return m
}()

// decodeCaretEscapes replaces every occurrence of "^X" (X being one of the
// letters/punctuation above) in s with its C0 control byte. This undoes the
// caret-notation some forges apply when rendering control characters in a
// commit message over their APIs (scenario S3 of SPEC_FULL.md §8).
func decodeCaretEscapes(s string) string {
    if !strings.Contains(s, "^") {
        return s
    }
    var buf bytes.Buffer
    i := 0
    for i < len(s) {
        if s[i] == '^' && i+1 < len(s) {
            if repl, ok := caretEscapeReplacer["^"+string(s[i+1])]; ok {
                buf.WriteString(repl)
                i += 2
                continue
            }
        }
        buf.WriteByte(s[i])
        i++
    }
    // mem.String avoids a second copy of the already-private buffer contents,
    // the same zero-copy idiom the base layout used in its ref-path unescaper.
    return mem.String(buf.Bytes())
}

// messageTrailerVariants returns the three trailer forms C8 tries in order.
func messageTrailerVariants(message string) []string {
    return []string{message, message + "\n", message + "\n\n"}
}

// quote helper kept for readable error messages elsewhere in the package.
func quote(s string) string { return strconv.Quote(s) }
