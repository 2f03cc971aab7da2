// Copyright (C) 2015-2016  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// ObjectId identifies a git object content-addressed by SHA-1.
package main

import (
    "bytes"
    "encoding/hex"
    "fmt"
)

const objectIdRawSize = 20

// ObjectId is a SHA-1 object identifier in raw (binary) form.
// NOTE zero value is the null oid.
type ObjectId struct {
    raw [objectIdRawSize]byte
}

var _ fmt.Stringer = ObjectId{}

func (id ObjectId) String() string {
    return hex.EncodeToString(id.raw[:])
}

// ParseObjectId decodes a 40-hex-char string into an ObjectId.
func ParseObjectId(s string) (ObjectId, error) {
    id := ObjectId{}
    if hex.DecodedLen(len(s)) != objectIdRawSize {
        return ObjectId{}, fmt.Errorf("objectid: %q invalid", s)
    }
    _, err := hex.Decode(id.raw[:], []byte(s))
    if err != nil {
        return ObjectId{}, fmt.Errorf("objectid: %q invalid: %s", s, err)
    }
    return id, nil
}

var _ fmt.Scanner = (*ObjectId)(nil)

func (id *ObjectId) Scan(s fmt.ScanState, ch rune) error {
    switch ch {
    case 's', 'v':
    default:
        return fmt.Errorf("ObjectId.Scan: invalid verb %q", ch)
    }

    tok, err := s.Token(true, nil)
    if err != nil {
        return err
    }

    *id, err = ParseObjectId(string(tok))
    return err
}

// IsNull reports whether id is the all-zero object id forges use to denote
// "no commit" (e.g. a branch-deletion push event).
func (id ObjectId) IsNull() bool {
    return id == ObjectId{}
}

// Bytes returns the raw 20-byte identifier.
func (id ObjectId) Bytes() []byte {
    return id.raw[:]
}

// ByObjectId sorts a slice of ObjectId by raw byte value.
type ByObjectId []ObjectId

func (p ByObjectId) Len() int           { return len(p) }
func (p ByObjectId) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p ByObjectId) Less(i, j int) bool { return bytes.Compare(p[i].raw[:], p[j].raw[:]) < 0 }
