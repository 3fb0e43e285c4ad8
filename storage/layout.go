package storage

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"nvr-engine/database"
)

const (
	segmentExt       = ".mp4"
	dateDirLayout    = "2006-01-02"
	segmentLayout    = "15-04-05"
	legacyNameLayout = "20060102_150405"
)

var (
	unsafeChars   = regexp.MustCompile(`[^a-zA-Z0-9]`)
	repeatedUnder = regexp.MustCompile(`_+`)
	// YYYYMMDD_HHMMSS with any suffix
	legacyName = regexp.MustCompile(`^(\d{8}_\d{6})`)
	// HH-MM-SS.mp4
	datedName = regexp.MustCompile(`^(\d{2}-\d{2}-\d{2})\.mp4$`)
)

// SanitizeName turns a camera display name into a directory name.
// Every character outside [a-zA-Z0-9] becomes '_' and runs of '_' collapse into one.
func SanitizeName(name string) string {
	return repeatedUnder.ReplaceAllString(unsafeChars.ReplaceAllString(name, "_"), "_")
}

// Layout is the segment naming convention. Segments live under
// <root>/<sanitized camera name>/<YYYY-MM-DD>/<HH-MM-SS>.mp4 in local wall-clock time.
// Older installs wrote <root>/<camera id>/<YYYYMMDD_HHMMSS>*.mp4 and are still read.
type Layout struct {
	Root            string
	SegmentDuration time.Duration
	Location        *time.Location
}

// NewLayout returns a layout rooted at root using local time
func NewLayout(root string, segmentDuration time.Duration) Layout {
	return Layout{Root: root, SegmentDuration: segmentDuration, Location: time.Local}
}

func (l Layout) loc() *time.Location {
	if l.Location == nil {
		return time.Local
	}
	return l.Location
}

// CameraDir is the date-partitioned directory of a camera
func (l Layout) CameraDir(cam database.Camera) string {
	return filepath.Join(l.Root, SanitizeName(cam.Name))
}

// LegacyCameraDir is the flat per-camera directory of older installs
func (l Layout) LegacyCameraDir(cam database.Camera) string {
	return filepath.Join(l.Root, cam.ID)
}

// CameraDirs returns the directories to scan for a camera, without duplicates
func (l Layout) CameraDirs(cam database.Camera) []string {
	dated, legacy := l.CameraDir(cam), l.LegacyCameraDir(cam)
	if dated == legacy {
		return []string{dated}
	}
	return []string{dated, legacy}
}

// SegmentPath is the absolute path of the segment starting at start
func (l Layout) SegmentPath(cam database.Camera, start time.Time) string {
	t := start.In(l.loc())
	return filepath.Join(l.CameraDir(cam), t.Format(dateDirLayout), t.Format(segmentLayout)+segmentExt)
}

// OutputPattern is the strftime pattern handed to the segmenter
func (l Layout) OutputPattern(cam database.Camera) string {
	return filepath.Join(l.CameraDir(cam), "%Y-%m-%d", "%H-%M-%S"+segmentExt)
}

// AlignToSegment returns the wall-clock segment boundary at or before t
func (l Layout) AlignToSegment(t time.Time) time.Time {
	t = t.In(l.loc())
	if l.SegmentDuration <= 0 {
		return t.Truncate(time.Second)
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	elapsed := t.Sub(midnight)
	return midnight.Add(elapsed - elapsed%l.SegmentDuration)
}

// ActiveSegmentPath is the path the segmenter is writing to at now for a process
// started at startedAt. The first segment is named after the process start,
// later ones after the clock boundary.
func (l Layout) ActiveSegmentPath(cam database.Camera, startedAt, now time.Time) string {
	start := l.AlignToSegment(now)
	if startedAt.After(start) {
		start = startedAt.Truncate(time.Second)
	}
	return l.SegmentPath(cam, start)
}

// IsSegmentFile reports whether name has the segment extension
func IsSegmentFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), segmentExt)
}

// ParseSegmentStart recovers the start time from a path relative to a camera directory.
// It accepts "YYYY-MM-DD/HH-MM-SS.mp4" and the legacy "YYYYMMDD_HHMMSS*.mp4".
func (l Layout) ParseSegmentStart(rel string) (time.Time, error) {
	rel = filepath.ToSlash(rel)
	dir, file := filepath.Split(rel)
	dir = strings.TrimSuffix(dir, "/")

	if dir != "" {
		m := datedName.FindStringSubmatch(file)
		if m == nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrParseFailed, rel)
		}
		t, err := time.ParseInLocation(dateDirLayout+"/"+segmentLayout, filepath.Base(dir)+"/"+m[1], l.loc())
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s: %v", ErrParseFailed, rel, err)
		}
		return t, nil
	}

	m := legacyName.FindStringSubmatch(file)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrParseFailed, rel)
	}
	t, err := time.ParseInLocation(legacyNameLayout, m[1], l.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrParseFailed, rel, err)
	}
	return t, nil
}

// RelativeFilename returns path relative to the storage root, or path itself when outside it
func (l Layout) RelativeFilename(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
