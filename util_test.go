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

package main

import (
    "testing"
)

func TestHeadtail(t *testing.T) {
    var tests = []struct{ input, head, tail string; ok bool }{
        {"", "", "", false},
        {" ", "", "", true},
        {"  ", "", " ", true},
        {"hello world", "hello", "world", true},
        {"hello world 1", "hello", "world 1", true},
        {"hello  world 2", "hello", " world 2", true},
    }

    for _, tt := range tests {
        head, tail, err := headtail(tt.input, " ")
        ok := err == nil
        if head != tt.head || tail != tt.tail || ok != tt.ok {
            t.Errorf("headtail(%q) -> %q %q %v  ; want %q %q %v", tt.input, head, tail, ok, tt.head, tt.tail, tt.ok)
        }
    }
}

func TestSplitlines(t *testing.T) {
    var tests = []struct {
        input string
        want  []string
    }{
        {"", []string{}},
        {"hello\n", []string{"hello"}},
        {"hello\nworld\n", []string{"hello", "world"}},
        {"hello\nworld", []string{"hello", "world"}},
    }

    for _, tt := range tests {
        got := splitlines(tt.input, "\n")
        if len(got) != len(tt.want) {
            t.Errorf("splitlines(%q) -> %q  ; want %q", tt.input, got, tt.want)
            continue
        }
        for i := range got {
            if got[i] != tt.want[i] {
                t.Errorf("splitlines(%q) -> %q  ; want %q", tt.input, got, tt.want)
                break
            }
        }
    }
}
