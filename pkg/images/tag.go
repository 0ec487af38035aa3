// Package images implements the Image Source, Node Cache View, and Image
// Service components (spec.md §4.A-C): tag parsing, the merged catalog,
// and the refresh protocol that keeps it current.
package images

import (
	"fmt"
	"regexp"
	"strconv"
)

// TagClass classifies a parsed tag. Ordering within a class is a total
// preorder, descending by recency; ordering *between* classes is defined
// by the catalog's menu-building rules, not by TagClass itself.
type TagClass string

const (
	ClassRelease          TagClass = "release"
	ClassWeekly           TagClass = "weekly"
	ClassDaily            TagClass = "daily"
	ClassReleaseCandidate TagClass = "release-candidate"
	ClassExperimental     TagClass = "experimental"
	ClassAlias            TagClass = "alias"
	ClassUnknown          TagClass = "unknown"
)

// RSPTag is a parsed notebook image tag. Parsing is a total function:
// anything not matching a known grammar becomes ClassUnknown rather than
// an error, per spec.md §3.
type RSPTag struct {
	Raw         string
	Class       TagClass
	Year        int
	Week        int // weekly
	Month       int // daily
	Day         int // daily
	Major       int // release
	Minor       int // release
	Patch       int // release
	Cycle       *int
	Build       *int
	RCNumber    *int // release-candidate
	Description string
}

var (
	releasePattern = regexp.MustCompile(`^r(\d+)_(\d+)_(\d+)(?:_rc(\d+))?(?:_c(\d+))?(?:_(\d{3}))?$`)
	weeklyPattern  = regexp.MustCompile(`^w_(\d{4})_(\d{1,2})(?:_c(\d+))?(?:_(\d{3}))?$`)
	dailyPattern   = regexp.MustCompile(`^d_(\d{4})_(\d{2})_(\d{2})(?:_c(\d+))?(?:_(\d{3}))?$`)
	rcOnlyPattern  = regexp.MustCompile(`^r(\d+)_(\d+)_(\d+)_rc(\d+)$`)

	// aliasNames lists tag strings that are by convention alias pointers
	// rather than versioned tags (spec.md §3: "recommended and similar
	// names are alias tags pointing at an underlying versioned tag").
	aliasNames = map[string]bool{
		"recommended":   true,
		"latest":        true,
		"latest-weekly": true,
		"latest-daily":  true,
	}
)

// ParseTag parses a raw tag string into an RSPTag. It never errors: an
// unrecognized tag is returned with Class == ClassUnknown so that callers
// can always place it somewhere (dropdown menu) without special-casing a
// parse failure.
func ParseTag(raw string) RSPTag {
	if aliasNames[raw] {
		return RSPTag{Raw: raw, Class: ClassAlias, Description: raw}
	}

	if m := rcOnlyPattern.FindStringSubmatch(raw); m != nil {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		patch, _ := strconv.Atoi(m[3])
		rc, _ := strconv.Atoi(m[4])
		return RSPTag{
			Raw: raw, Class: ClassReleaseCandidate,
			Major: major, Minor: minor, Patch: patch, RCNumber: &rc,
			Description: fmt.Sprintf("Release Candidate r%d.%d.%d-rc%d", major, minor, patch, rc),
		}
	}

	if m := releasePattern.FindStringSubmatch(raw); m != nil {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		patch, _ := strconv.Atoi(m[3])
		tag := RSPTag{
			Raw: raw, Class: ClassRelease,
			Major: major, Minor: minor, Patch: patch,
			Description: fmt.Sprintf("Release r%d.%d.%d", major, minor, patch),
		}
		if m[4] != "" {
			rc, _ := strconv.Atoi(m[4])
			tag.RCNumber = &rc
			tag.Class = ClassReleaseCandidate
		}
		applyCycleBuild(&tag, m[5], m[6])
		return tag
	}

	if m := weeklyPattern.FindStringSubmatch(raw); m != nil {
		year, _ := strconv.Atoi(m[1])
		week, _ := strconv.Atoi(m[2])
		tag := RSPTag{
			Raw: raw, Class: ClassWeekly, Year: year, Week: week,
			Description: fmt.Sprintf("Weekly %04d_%02d", year, week),
		}
		applyCycleBuild(&tag, m[3], m[4])
		return tag
	}

	if m := dailyPattern.FindStringSubmatch(raw); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		tag := RSPTag{
			Raw: raw, Class: ClassDaily, Year: year, Month: month, Day: day,
			Description: fmt.Sprintf("Daily %04d-%02d-%02d", year, month, day),
		}
		applyCycleBuild(&tag, m[4], m[5])
		return tag
	}

	return RSPTag{Raw: raw, Class: ClassUnknown, Description: raw}
}

func applyCycleBuild(tag *RSPTag, cycleStr, buildStr string) {
	if cycleStr != "" {
		c, _ := strconv.Atoi(cycleStr)
		tag.Cycle = &c
		tag.Description += fmt.Sprintf(" (cycle %d)", c)
	}
	if buildStr != "" {
		b, _ := strconv.Atoi(buildStr)
		tag.Build = &b
	}
}

// versionKey returns a tuple usable for ordering tags within the same
// class, most-recent-first. Build ties break ascending-then-descending
// per the teacher's convention is not applicable here (no teacher
// precedent); spec.md says "tie-break on build number ascending->descending
// by convention" meaning: compare the primary version fields first, and
// only when those tie does build-number order matter, where a *higher*
// build of the same version is newer.
func (t RSPTag) versionKey() [5]int {
	switch t.Class {
	case ClassRelease, ClassReleaseCandidate:
		rc := -1
		if t.RCNumber != nil {
			rc = *t.RCNumber
		}
		build := 0
		if t.Build != nil {
			build = *t.Build
		}
		// A final release (rc == -1) outranks any RC of the same version.
		rcRank := rc
		if rc == -1 {
			rcRank = 1 << 30
		}
		return [5]int{t.Major, t.Minor, t.Patch, rcRank, build}
	case ClassWeekly:
		build := 0
		if t.Build != nil {
			build = *t.Build
		}
		return [5]int{t.Year, t.Week, 0, 0, build}
	case ClassDaily:
		build := 0
		if t.Build != nil {
			build = *t.Build
		}
		return [5]int{t.Year, t.Month, t.Day, 0, build}
	default:
		return [5]int{}
	}
}

// Less reports whether t is strictly older than other (compares lower in
// a descending-by-recency ordering within a class).
func (t RSPTag) Less(other RSPTag) bool {
	tk, ok := t.versionKey(), other.versionKey()
	for i := range tk {
		if tk[i] != ok[i] {
			return tk[i] < ok[i]
		}
	}
	return false
}
