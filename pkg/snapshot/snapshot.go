// Package snapshot defines the on-target naming contract of promoted backups.
//
// A snapshot directory is named "back-" followed by its creation time encoded
// as YYYY-MM-DDTHH_MM_SS. Colons are replaced by underscores so the name is a
// valid path component everywhere. The encoding is fixed width and ordered from
// the most to the least significant field, so comparing names as strings gives
// the same result as comparing their timestamps.
package snapshot

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Well-known entries of a target root.
const (
	Prefix     = "back-"
	Layout     = "2006-01-02T15_04_05"
	Current    = "current"
	Incomplete = "incomplete"
	Exclude    = "exclude"
)

// NamePattern matches every entry the retention pass considers a snapshot.
// Matching entries that fail to Parse are reported, never skipped.
var NamePattern = regexp.MustCompile("^" + regexp.QuoteMeta(Prefix))

// ErrParse is the sentinel wrapped by every ParseError.
var ErrParse = errors.New("invalid snapshot name")

// ParseError reports a snapshot name that does not follow the naming contract.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %q: %v", ErrParse, e.Name, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// Snapshot is a promoted backup directory under a target root.
type Snapshot struct {
	Name      string
	Timestamp time.Time
}

// Format encodes t as a snapshot directory name. Sub-second precision is dropped.
func Format(t time.Time) string {
	return Prefix + t.Format(Layout)
}

// Parse decodes a snapshot directory name into its timestamp in time.Local.
func Parse(name string) (time.Time, error) {
	return ParseInLocation(name, time.Local)
}

// ParseInLocation decodes a snapshot directory name into its timestamp in loc.
func ParseInLocation(name string, loc *time.Location) (time.Time, error) {
	stamp, ok := strings.CutPrefix(name, Prefix)
	if !ok {
		return time.Time{}, &ParseError{Name: name, Err: fmt.Errorf("missing %q prefix", Prefix)}
	}
	t, err := time.ParseInLocation(Layout, stamp, loc)
	if err != nil {
		return time.Time{}, &ParseError{Name: name, Err: err}
	}
	return t, nil
}

// New returns the snapshot that a sync finishing at t promotes to.
func New(t time.Time) Snapshot {
	t = t.Truncate(time.Second)
	return Snapshot{Name: Format(t), Timestamp: t}
}

// FromName parses name into a Snapshot.
func FromName(name string) (Snapshot, error) {
	t, err := Parse(name)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Name: name, Timestamp: t}, nil
}

// Path returns the snapshot's path under root. join is the path joiner of the
// filesystem the root lives on (filepath.Join locally, path.Join remotely).
// Scan, bucketing and deletion all go through this accessor.
func (s Snapshot) Path(root string, join func(elem ...string) string) string {
	return join(root, s.Name)
}

func (s Snapshot) String() string { return s.Name }

// Sort orders snapshots oldest first.
func Sort(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.Before(snaps[j].Timestamp)
	})
}
