package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// FetchSegment downloads and decompresses one archived segment
func FetchSegment(ctx context.Context, sink Sink, index uint64) ([]byte, error) {
	compressed, err := sink.Get(ctx, SegmentObjectName(index))
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archived segment %016X: %w", index, err)
	}
	return data, nil
}

// ListSegments returns the indexes of every archived segment in ascending
// order
func ListSegments(ctx context.Context, sink Sink) ([]uint64, error) {
	names, err := sink.List(ctx)
	if err != nil {
		return nil, err
	}
	var indexes []uint64
	for _, name := range names {
		if index, ok := ParseSegmentObjectName(name); ok {
			indexes = append(indexes, index)
		}
	}
	return indexes, nil
}

// RestoreSegments downloads archived segments at or after fromSegment into
// dir as plain segment files. Returns the number of segments restored.
// Restores are written atomically so an interrupted restore can simply be
// re-run.
func RestoreSegments(ctx context.Context, sink Sink, dir string, fromSegment uint64) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create restore directory: %w", err)
	}

	indexes, err := ListSegments(ctx, sink)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, index := range indexes {
		if index < fromSegment {
			continue
		}
		data, err := FetchSegment(ctx, sink, index)
		if err != nil {
			return restored, fmt.Errorf("failed to fetch segment %016X: %w", index, err)
		}

		path := filepath.Join(dir, wal.SegmentFileName(index))
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return restored, fmt.Errorf("failed to write restored segment: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return restored, fmt.Errorf("failed to install restored segment: %w", err)
		}
		restored++
	}
	return restored, nil
}
