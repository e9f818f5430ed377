package pathretention

import (
	"fmt"
	"sort"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/snapshot"
)

// Tier is the age class a snapshot falls into.
type Tier string

const (
	TierLatest Tier = "latest"
	TierHourly Tier = "hourly"
	TierDaily  Tier = "daily"
	TierWeekly Tier = "weekly"
)

// Policy holds the day-age thresholds between the tiers.
// Snapshots younger than HourlyDays are never thinned, those younger than
// DailyDays keep one per day and everything older keeps one per ISO week.
type Policy struct {
	HourlyDays int `json:"hourlyDays"`
	DailyDays  int `json:"dailyDays"`
}

// DefaultPolicy keeps every snapshot of the last day, one per day for a month
// and one per week beyond that.
func DefaultPolicy() Policy {
	return Policy{HourlyDays: 1, DailyDays: 30}
}

// Validate checks that the thresholds are ordered.
func (p Policy) Validate() error {
	if p.HourlyDays < 0 {
		return fmt.Errorf("hourlyDays cannot be negative: got %d", p.HourlyDays)
	}
	if p.DailyDays < p.HourlyDays {
		return fmt.Errorf("dailyDays (%d) cannot be smaller than hourlyDays (%d)", p.DailyDays, p.HourlyDays)
	}
	return nil
}

// Entry is the retention verdict for one snapshot.
type Entry struct {
	Snapshot snapshot.Snapshot
	AgeDays  int
	Tier     Tier
	// Bucket is empty for the latest and hourly tiers.
	Bucket string
	Purge  bool
}

// dayAge counts the calendar days between the date of t and the date of now,
// both taken in t's location. Clock time within the day does not matter.
func dayAge(t, now time.Time) int {
	now = now.In(t.Location())
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

// Classify assigns every snapshot a tier and bucket and marks the ones the
// policy purges. The result is ordered oldest first. The most recent snapshot
// is always TierLatest and never purged. Within a bucket all members except
// the one with the greatest name are purged.
func Classify(snaps []snapshot.Snapshot, now time.Time, policy Policy) []Entry {
	if len(snaps) == 0 {
		return nil
	}
	sorted := make([]snapshot.Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	entries := make([]Entry, len(sorted))
	buckets := make(map[string][]int)
	last := len(sorted) - 1
	for i, s := range sorted {
		e := Entry{Snapshot: s, AgeDays: dayAge(s.Timestamp, now)}
		switch {
		case i == last:
			e.Tier = TierLatest
		case e.AgeDays < policy.HourlyDays:
			e.Tier = TierHourly
		case e.AgeDays < policy.DailyDays:
			e.Tier = TierDaily
			e.Bucket = fmt.Sprintf("day-%d", e.AgeDays)
		default:
			e.Tier = TierWeekly
			year, week := s.Timestamp.ISOWeek()
			e.Bucket = fmt.Sprintf("%04d-W%02d", year, week)
		}
		entries[i] = e
		if e.Bucket != "" {
			buckets[e.Bucket] = append(buckets[e.Bucket], i)
		}
	}

	// Indices are ascending by name, so the survivor is the last one.
	for _, members := range buckets {
		for _, idx := range members[:len(members)-1] {
			entries[idx].Purge = true
		}
	}
	return entries
}

// PurgeSet returns the snapshots the policy removes, oldest first.
// It has no side effects and returns the same set for the same input.
func PurgeSet(snaps []snapshot.Snapshot, now time.Time, policy Policy) []snapshot.Snapshot {
	var purge []snapshot.Snapshot
	for _, e := range Classify(snaps, now, policy) {
		if e.Purge {
			purge = append(purge, e.Snapshot)
		}
	}
	return purge
}
