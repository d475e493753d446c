package wal

import (
	"os"
)

// TruncateAfter removes all log content in dir after lsn: segments beyond
// lsn's segment are deleted and the segment holding lsn is cut immediately
// after that record. A zero lsn removes every segment. Used when a
// recovered node abandons un-replayed history before switching timelines.
func TruncateAfter(dir string, lsn LSN) error {
	segments, err := listSegments(dir)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		switch {
		case lsn.IsZero() || seg.Index > lsn.Segment:
			if err := os.Remove(seg.Path); err != nil {
				return &WALError{Op: "truncate", Segment: seg.Index, Cause: err}
			}

		case seg.Index == lsn.Segment:
			records, _, _, err := parseSegmentFile(seg.Path)
			if err != nil {
				return &WALError{Op: "truncate", Segment: seg.Index, Cause: err}
			}
			var end int64 = -1
			for _, rec := range records {
				if rec.LSN == lsn {
					end = int64(rec.LSN.Offset) + int64(rec.DiskSize())
					break
				}
			}
			if end < 0 {
				return &WALError{Op: "truncate", LSN: lsn, Cause: ErrNotRecordBoundary}
			}
			if end < seg.Size {
				if err := os.Truncate(seg.Path, end); err != nil {
					return &WALError{Op: "truncate", Segment: seg.Index, Cause: err}
				}
			}
		}
	}
	return nil
}
