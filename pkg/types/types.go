package types

import (
	"bytes"
	"fmt"
)

// DetailLevel describes how much of a file's content has been fingerprinted.
type DetailLevel int

const (
	LevelNone DetailLevel = iota
	LevelSize
	LevelPrefix
	LevelSample
	LevelFull
)

// MaxLevel is the deepest fingerprint a file can reach.
const MaxLevel = LevelFull

// String returns the string representation of DetailLevel
func (d DetailLevel) String() string {
	switch d {
	case LevelNone:
		return "none"
	case LevelSize:
		return "size"
	case LevelPrefix:
		return "prefix"
	case LevelSample:
		return "sample"
	case LevelFull:
		return "full"
	default:
		return "unknown"
	}
}

// Next returns the following level, saturating at LevelFull.
func (d DetailLevel) Next() DetailLevel {
	if d >= LevelFull {
		return LevelFull
	}
	return d + 1
}

// ParseDetailLevel accepts the names produced by DetailLevel.String.
func ParseDetailLevel(s string) (DetailLevel, error) {
	for l := LevelNone; l <= LevelFull; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown detail level %q", s)
}

// Digest is a content hash. The zero value means "not computed".
type Digest uint64

// Undefined marks a digest that has not been computed.
const Undefined Digest = 0

// Defined reports whether the digest has been computed.
func (d Digest) Defined() bool {
	return d != Undefined
}

// CompatibleWith is true unless both digests are defined and differ.
func (d Digest) CompatibleWith(other Digest) bool {
	return d == Undefined || other == Undefined || d == other
}

// IdenticalTo is true only when both digests are defined and equal.
func (d Digest) IdenticalTo(other Digest) bool {
	return d != Undefined && d == other
}

// Checksums holds the fingerprint state of one file.
type Checksums struct {
	Prefix      Digest `json:"prefix"`
	Sample      Digest `json:"sample"`
	Full        Digest `json:"full"`
	SampleBytes []byte `json:"sample_bytes,omitempty"`
}

// Level returns the deepest digest present. A file with no digests is at
// LevelSize; callers that track unknown sizes report LevelNone themselves.
func (c Checksums) Level() DetailLevel {
	switch {
	case c.Full.Defined():
		return LevelFull
	case c.Sample.Defined():
		return LevelSample
	case c.Prefix.Defined():
		return LevelPrefix
	default:
		return LevelSize
	}
}

// CompatibleWith reports whether two fingerprints have not yet been proven
// different. It never touches file contents.
func (c Checksums) CompatibleWith(other Checksums) bool {
	if !c.Prefix.CompatibleWith(other.Prefix) ||
		!c.Sample.CompatibleWith(other.Sample) ||
		!c.Full.CompatibleWith(other.Full) {
		return false
	}
	if c.SampleBytes == nil || other.SampleBytes == nil {
		return true
	}
	return bytes.Equal(c.SampleBytes, other.SampleBytes)
}

// Merge fills digests missing from c with those present in other.
func (c Checksums) Merge(other Checksums) Checksums {
	if !c.Prefix.Defined() {
		c.Prefix = other.Prefix
	}
	if !c.Sample.Defined() {
		c.Sample = other.Sample
	}
	if !c.Full.Defined() {
		c.Full = other.Full
	}
	if c.SampleBytes == nil && other.SampleBytes != nil {
		c.SampleBytes = append([]byte(nil), other.SampleBytes...)
	}
	return c
}

// DupFlags classifies a file by where its duplicates live.
type DupFlags uint8

const (
	// Unique files have no known duplicate.
	Unique DupFlags = 0
	// LocalDup files are duplicated inside their own context.
	LocalDup DupFlags = 1
	// GlobalDup files are duplicated by a file in another context.
	GlobalDup DupFlags = 2
)

// Both is the combination of LocalDup and GlobalDup.
const Both = LocalDup | GlobalDup

// IsUnique reports whether no duplicate flag is set.
func (f DupFlags) IsUnique() bool { return f&Both == 0 }

// HasLocal reports whether the local flag is set.
func (f DupFlags) HasLocal() bool { return f&LocalDup != 0 }

// HasGlobal reports whether the global flag is set.
func (f DupFlags) HasGlobal() bool { return f&GlobalDup != 0 }

// String renders the flag set as "", "L", "G" or "LG".
func (f DupFlags) String() string {
	s := ""
	if f.HasLocal() {
		s += "L"
	}
	if f.HasGlobal() {
		s += "G"
	}
	return s
}

// ContextID identifies an open context. Ids are never reused.
type ContextID uint32

// FolderID indexes a folder in the catalog arena.
type FolderID uint32

// FileID indexes a file in the catalog arena. Ids are never reused.
type FileID uint32

// GroupID indexes a duplicate group in the group index.
type GroupID int32

// NoGroup marks a file that is not a member of any group.
const NoGroup GroupID = -1
