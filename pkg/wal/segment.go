package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// segmentSuffix is the file extension of a WAL segment
const segmentSuffix = ".wal"

// SegmentInfo describes one on-disk segment.
// Sealed segments are immutable and safe for lock-free concurrent reads;
// only the tail segment is ever written.
type SegmentInfo struct {
	Index  uint64
	Path   string
	Size   int64
	Sealed bool
}

// Name returns the canonical file name for the segment
func (s SegmentInfo) Name() string {
	return SegmentFileName(s.Index)
}

// SegmentFileName returns the file name for a segment index, e.g. "000000000000002A.wal"
func SegmentFileName(index uint64) string {
	return fmt.Sprintf("%016X%s", index, segmentSuffix)
}

// segmentPath returns the full path of a segment file in dir
func segmentPath(dir string, index uint64) string {
	return filepath.Join(dir, SegmentFileName(index))
}

// ParseSegmentFileName extracts the segment index from a file name
func ParseSegmentFileName(name string) (uint64, error) {
	base := strings.TrimSuffix(name, segmentSuffix)
	if base == name || len(base) != 16 {
		return 0, fmt.Errorf("not a segment file name: %q", name)
	}
	index, err := strconv.ParseUint(base, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("not a segment file name: %q: %w", name, err)
	}
	return index, nil
}

// listSegments returns the segments present in dir in ascending index order.
// The caller decides which one is the unsealed tail.
func listSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list segment directory: %w", err)
	}

	segments := make([]SegmentInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, err := ParseSegmentFileName(entry.Name())
		if err != nil {
			continue // Not a segment; leave foreign files alone
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		segments = append(segments, SegmentInfo{
			Index:  index,
			Path:   filepath.Join(dir, entry.Name()),
			Size:   info.Size(),
			Sealed: true,
		})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })
	return segments, nil
}
