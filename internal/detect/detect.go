// Package detect classifies files against their recorded progress.
package detect

import (
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/state"
)

// Status is the outcome of comparing a file with its recorded progress
type Status int

const (
	// StatusNew means the path has no recorded progress
	StatusNew Status = iota
	// StatusUnchanged means nothing needs to be read
	StatusUnchanged
	// StatusModified means processing resumes at the recorded offset
	StatusModified
	// StatusRotated means the file was replaced or truncated and is read from the start
	StatusRotated
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusUnchanged:
		return "unchanged"
	case StatusModified:
		return "modified"
	case StatusRotated:
		return "rotated"
	default:
		return "unknown"
	}
}

// NeedsRead reports whether the file has to be opened this cycle
func (s Status) NeedsRead() bool {
	return s != StatusUnchanged
}

// Fingerprint is the on-disk identity of a file at scan time
type Fingerprint struct {
	Size    int64
	ModTime time.Time
	Inode   uint64
}

// Classify compares a fingerprint with the stored progress. known is false
// when the store has no record for the path.
//
// A file is rotated when its size drops below the consumed offset, its
// modification time moves backwards, or its inode changes. It is unchanged
// only when the fingerprint matches and no bytes are pending past the offset.
func Classify(fp Fingerprint, prev state.FileProgress, known bool) Status {
	if !known {
		return StatusNew
	}

	if fp.Size < prev.ProcessedOffset {
		return StatusRotated
	}
	if fp.ModTime.Before(prev.ModTime) {
		return StatusRotated
	}
	if fp.Inode != 0 && prev.Inode != 0 && fp.Inode != prev.Inode {
		return StatusRotated
	}

	if fp.Size == prev.Size && fp.ModTime.Equal(prev.ModTime) && prev.ProcessedOffset >= fp.Size {
		return StatusUnchanged
	}

	return StatusModified
}

// StartingPoint returns the progress record processing should begin from.
// A rotated file starts over but keeps its cached header so that schema
// drift can be reported when the header is read again. The processor drops
// that header from the record it returns until the new one is read.
func StartingPoint(status Status, prev state.FileProgress) state.FileProgress {
	switch status {
	case StatusNew:
		return prev.Reset()
	case StatusRotated:
		start := prev.Reset()
		start.Header = prev.Header
		return start
	default:
		return prev
	}
}
