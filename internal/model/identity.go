package model

import (
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// Identity names a group by one of its three identifiers.
// Implementations: ByFenceID, ByCanonicalName, ByLocalID.
type Identity interface {
	isIdentity()
	String() string
}

// ByFenceID identifies a group by its server-assigned fence id.
type ByFenceID int64

// ByCanonicalName identifies a group by its canonical name.
type ByCanonicalName string

// ByLocalID identifies a group by its locally allocated id.
type ByLocalID uuid.UUID

func (ByFenceID) isIdentity()       {}
func (ByCanonicalName) isIdentity() {}
func (ByLocalID) isIdentity()       {}

func (f ByFenceID) String() string       { return "fid:" + strconv.FormatInt(int64(f), 10) }
func (c ByCanonicalName) String() string { return "cname:" + string(c) }
func (l ByLocalID) String() string       { return "local:" + uuid.UUID(l).String() }

// NewLocalID allocates a fresh opaque local group id.
func NewLocalID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

// RenameCanonical replaces the trailing title segment of cname with title.
// It reports false when cname has no segment separator; the record is then
// considered corrupt and cname is returned unchanged.
func RenameCanonical(cname, title string) (string, bool) {
	i := strings.LastIndexByte(cname, ':')
	if i < 0 {
		return cname, false
	}
	return cname[:i+1] + title, true
}

// CanonicalMatchesTitle reports whether cname's trailing segment equals title.
// An empty cname trivially matches.
func CanonicalMatchesTitle(cname, title string) bool {
	if cname == "" {
		return true
	}
	i := strings.LastIndexByte(cname, ':')
	if i < 0 {
		return false
	}
	return cname[i+1:] == title
}
