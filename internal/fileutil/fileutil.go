// Package fileutil provides file naming and formatting helpers for
// downloadable narration artifacts.
//
// Segment artifact names are stable and collision-free per segment id so
// repeated downloads and cache supersedes always address the same file.
package fileutil

import (
	"fmt"
	"os"
	"strings"
)

// Naming constants.
const (
	segmentFileFormat      = "segment-%06d.wav"
	mergedFileName         = "narration.wav"
	logExportFileName      = "narration-log.txt"
	invalidCharReplacement = "_"
	defaultDirPermissions  = 0o750
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time and size formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
	formatGB        = "%.1f GB"
	formatMB        = "%.1f MB"
	formatKB        = "%.1f KB"
	formatBytes     = "%d B"
)

// SegmentFileName returns the stable download name for one segment's
// audio.
func SegmentFileName(segmentID int) string {
	return fmt.Sprintf(segmentFileFormat, segmentID)
}

// MergedFileName returns the download name for a merged narration.
func MergedFileName() string {
	return mergedFileName
}

// LogExportFileName returns the download name for an exported
// operational log.
func LogExportFileName() string {
	return logExportFileName
}

// SanitizeFilename replaces characters that are unsafe in file names.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		":", invalidCharReplacement,
		"*", invalidCharReplacement,
		"?", invalidCharReplacement,
		`"`, invalidCharReplacement,
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		"|", invalidCharReplacement,
		" ", invalidCharReplacement,
	)

	return replacer.Replace(strings.TrimSpace(name))
}

// EnsureDirectory creates dir and its parents when absent.
func EnsureDirectory(dir string) error {
	err := os.MkdirAll(dir, defaultDirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return nil
}

// FormatBytes renders a byte count for display.
func FormatBytes(size int64) string {
	switch {
	case size >= gigabyte:
		return fmt.Sprintf(formatGB, float64(size)/float64(gigabyte))
	case size >= megabyte:
		return fmt.Sprintf(formatMB, float64(size)/float64(megabyte))
	case size >= kilobyte:
		return fmt.Sprintf(formatKB, float64(size)/float64(kilobyte))
	default:
		return fmt.Sprintf(formatBytes, size)
	}
}

// FormatDuration renders a duration in seconds for display.
func FormatDuration(seconds float64) string {
	switch {
	case seconds >= secondsInHour:
		hours := int(seconds) / secondsInHour
		minutes := (int(seconds) % secondsInHour) / secondsInMinute

		return fmt.Sprintf(formatHours, hours, minutes)
	case seconds >= secondsInMinute:
		minutes := int(seconds) / secondsInMinute
		remainder := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainder)
	default:
		return fmt.Sprintf(formatSeconds, seconds)
	}
}
