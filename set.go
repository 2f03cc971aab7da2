// Copyright (C) 2015-2016  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Set "template" type used to track candidate/dangling object ids.
// TODO -> go:generate + template
package main

// Set<ObjectId>
type ObjectIdSet map[ObjectId]struct{}

func (s ObjectIdSet) Add(v ObjectId) {
    s[v] = struct{}{}
}

func (s ObjectIdSet) Contains(v ObjectId) bool {
    _, ok := s[v]
    return ok
}

// all elements of set as slice
func (s ObjectIdSet) Elements() []ObjectId {
    ev := make([]ObjectId, len(s))
    i := 0
    for e := range s {
        ev[i] = e
        i++
    }
    return ev
}

// Union returns a new set holding every element of s and v.
func (s ObjectIdSet) Union(v ObjectIdSet) ObjectIdSet {
    out := make(ObjectIdSet, len(s)+len(v))
    for e := range s {
        out.Add(e)
    }
    for e := range v {
        out.Add(e)
    }
    return out
}

// Sub returns a new set holding every element of s that is not in v.
func (s ObjectIdSet) Sub(v ObjectIdSet) ObjectIdSet {
    out := make(ObjectIdSet, len(s))
    for e := range s {
        if !v.Contains(e) {
            out.Add(e)
        }
    }
    return out
}
