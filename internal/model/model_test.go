package model

import (
	"sort"
	"testing"
)

func TestIsFinal(t *testing.T) {
	cases := []struct {
		kind  Kind
		state Status
		want  bool
	}{
		{KindCrawl, StatusSealed, true},
		{KindCrawl, StatusStarted, false},
		{KindSnapshot, StatusSealed, true},
		{KindSnapshot, StatusQueued, false},
		{KindArchiveResult, StatusSucceeded, true},
		{KindArchiveResult, StatusFailed, true},
		{KindArchiveResult, StatusSkipped, true},
		{KindArchiveResult, StatusBackoff, false},
		{KindArchiveResult, StatusSealed, false},
		{KindBinary, StatusInstalled, true},
		{KindBinary, StatusQueued, false},
	}
	for _, tc := range cases {
		if got := IsFinal(tc.kind, tc.state); got != tc.want {
			t.Errorf("IsFinal(%s, %s) = %v, want %v", tc.kind, tc.state, got, tc.want)
		}
	}
}

func TestActiveState(t *testing.T) {
	if got := ActiveState(KindBinary); got != StatusQueued {
		t.Errorf("binary active state: %s", got)
	}
	for _, k := range []Kind{KindCrawl, KindSnapshot, KindArchiveResult} {
		if got := ActiveState(k); got != StatusStarted {
			t.Errorf("%s active state: %s", k, got)
		}
	}
}

func TestNewIDSortsByCreation(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewID()
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("ids generated in sequence should already be sorted")
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestBinaryValid(t *testing.T) {
	b := &Binary{Name: "wget"}
	if b.Valid() {
		t.Error("binary without abspath must not be valid")
	}
	b.Abspath = "/usr/bin/wget"
	if b.Valid() {
		t.Error("binary without version must not be valid")
	}
	b.Version = "1.21"
	if !b.Valid() {
		t.Error("resolved binary must be valid")
	}
}
