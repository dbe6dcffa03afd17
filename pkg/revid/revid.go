// Package revid parses, compares, and generates revision IDs in both
// schemes a document can use: tree revIDs ("<generation>-<digest>") and
// version-vector revIDs ("<logicalTime>@<peerID>[,...]", youngest first).
package revid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/revsync/pkg/types"
)

// ThisPeer is the marker a vector entry uses for "this local peer"; it
// must be resolved to the database's stable peer ID before transmission.
const ThisPeer = "*"

// Tree holds a parsed tree-scheme revID.
type Tree struct {
	Generation int
	Digest     string
}

// ParseTree parses "<generation>-<digest>". It does not validate that
// Digest is lowercase hex; callers that construct revIDs do that.
func ParseTree(id types.RevID) (Tree, error) {
	s := string(id)
	i := strings.IndexByte(s, '-')
	if i <= 0 {
		return Tree{}, fmt.Errorf("revid: malformed tree revID %q", s)
	}
	gen, err := strconv.Atoi(s[:i])
	if err != nil || gen <= 0 {
		return Tree{}, fmt.Errorf("revid: invalid generation in %q", s)
	}
	return Tree{Generation: gen, Digest: s[i+1:]}, nil
}

// NewTree builds a tree revID one generation past parent (or generation 1
// if parent is empty).
func NewTree(parent types.RevID, digest string) types.RevID {
	gen := 1
	if parent != "" {
		if p, err := ParseTree(parent); err == nil {
			gen = p.Generation + 1
		}
	}
	return types.RevID(strconv.Itoa(gen) + "-" + digest)
}

// FadedPlaceholder synthesizes a history placeholder for a generation
// whose real digest is not being disclosed, e.g. "5-faded0000000000".
func FadedPlaceholder(generation int) types.RevID {
	return types.RevID(fmt.Sprintf("%d-faded%010d", generation, 0))
}

// VectorEntry is one "<logicalTime>@<peerID>" component of a version
// vector, youngest first.
type VectorEntry struct {
	LogicalTime uint64
	PeerID      string
}

// ParseVector parses a comma-joined, youngest-first version vector. Per
// the open question in the design notes, any permutation is accepted on
// read; canonicalization only happens in CanonicalizeVector.
func ParseVector(id types.RevID) ([]VectorEntry, error) {
	s := string(id)
	parts := strings.Split(s, ",")
	entries := make([]VectorEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		at := strings.IndexByte(part, '@')
		if at <= 0 {
			return nil, fmt.Errorf("revid: malformed vector entry %q", part)
		}
		t, err := strconv.ParseUint(part[:at], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("revid: invalid logical time in %q", part)
		}
		entries = append(entries, VectorEntry{LogicalTime: t, PeerID: part[at+1:]})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("revid: empty version vector")
	}
	return entries, nil
}

// ResolveThisPeer replaces every ThisPeer marker with localPeerID.
func ResolveThisPeer(entries []VectorEntry, localPeerID string) {
	for i := range entries {
		if entries[i].PeerID == ThisPeer {
			entries[i].PeerID = localPeerID
		}
	}
}

// CanonicalizeVector returns a copy of entries sorted by peerID (after
// ThisPeer expansion), a stable representation. No write path in this
// module calls it; ParseVector accepts any permutation on read.
func CanonicalizeVector(entries []VectorEntry) []VectorEntry {
	out := make([]VectorEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// FormatVector renders entries back into wire form, youngest first (the
// caller is responsible for ordering; this only joins).
func FormatVector(entries []VectorEntry) types.RevID {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = strconv.FormatUint(e.LogicalTime, 10) + "@" + e.PeerID
	}
	return types.RevID(strings.Join(parts, ","))
}

// IsVector reports whether id looks like a version-vector revID rather
// than a tree revID (heuristic: contains '@', tree revIDs never do).
func IsVector(id types.RevID) bool {
	return strings.ContainsRune(string(id), '@')
}

// Generation returns the tree generation of id, or, for a version vector,
// the logical time of its first (youngest) entry as a generation-equivalent
// ordering value for history truncation purposes.
func Generation(id types.RevID) int {
	if IsVector(id) {
		entries, err := ParseVector(id)
		if err != nil || len(entries) == 0 {
			return 0
		}
		return int(entries[0].LogicalTime)
	}
	t, err := ParseTree(id)
	if err != nil {
		return 0
	}
	return t.Generation
}
