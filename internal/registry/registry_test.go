// Copyright 2025 The mcpd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetPagination(t *testing.T) {
	s := NewSet[string]()
	s.SetPageSize(2)
	for _, name := range []string{"delta", "alpha", "charlie", "bravo"} {
		s.Add(name, name)
	}

	var got []string
	after := ""
	for {
		page, last, hasMore := s.Page(after)
		got = append(got, page...)
		if !hasMore {
			break
		}
		after = last
	}
	want := []string{"alpha", "bravo", "charlie", "delta"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected page order (-want +got):\n%s", diff)
	}
}

func TestSetPageBounds(t *testing.T) {
	s := NewSet[int]()
	s.SetPageSize(3)
	s.Add("a", 1)
	s.Add("b", 2)

	page, last, hasMore := s.Page("")
	if hasMore {
		t.Fatalf("expected single page")
	}
	if last != "b" {
		t.Fatalf("unexpected last: %q", last)
	}
	if len(page) != 2 {
		t.Fatalf("unexpected page length: %d", len(page))
	}

	// positions after the final entry produce an empty terminal page
	page, _, hasMore = s.Page("b")
	if len(page) != 0 || hasMore {
		t.Fatalf("expected empty terminal page, got %v", page)
	}
}

func TestSetOnChanged(t *testing.T) {
	s := NewSet[string]()
	fired := 0
	s.SetOnChanged(func() { fired++ })

	s.Add("a", "a")
	if fired != 1 {
		t.Fatalf("expected change on add, got %d", fired)
	}
	s.Remove("a")
	if fired != 2 {
		t.Fatalf("expected change on remove, got %d", fired)
	}
	// removing an absent entry is not a mutation
	s.Remove("a")
	if fired != 2 {
		t.Fatalf("unexpected change on vacuous remove, got %d", fired)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := EncodeCursor(SpaceStatic, "tool-b")
	space, position, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if space != SpaceStatic || position != "tool-b" {
		t.Fatalf("unexpected decode: %s %s", space, position)
	}
}

func TestCursorRejectsForeign(t *testing.T) {
	tcs := []struct {
		name string
		in   string
	}{
		{name: "not base64", in: "abc!"},
		{name: "foreign label", in: "abc"},
		{name: "unknown space", in: EncodeCursor("z", "pos")},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := DecodeCursor(tc.in); err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
		})
	}
}

func TestValues(t *testing.T) {
	s := NewSet[int]()
	s.Add("b", 2)
	s.Add("a", 1)
	if diff := cmp.Diff([]int{1, 2}, s.Values()); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}
}
