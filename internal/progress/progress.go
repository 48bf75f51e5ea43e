// Package progress carries phase-tagged progress snapshots from the
// acquisition components to whoever renders them. Snapshots are immutable
// values published over channels; components never hold callback objects
// into presentation code.
package progress

import "time"

type State int

const (
	StatePending State = iota
	StateDownloading
	StatePaused
	StateVerifying
	StateExtracting
	StateApplyingPatch
	StateScanning
	StateRepairing
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateVerifying:
		return "verifying"
	case StateExtracting:
		return "extracting"
	case StateApplyingPatch:
		return "applying-patch"
	case StateScanning:
		return "scanning"
	case StateRepairing:
		return "repairing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further snapshots will follow this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Op tags which operation a snapshot belongs to.
type Op string

const (
	OpDownload Op = "download"
	OpInstall  Op = "install"
	OpUpdate   Op = "update"
	OpRepair   Op = "repair"
)

// Snapshot is one published progress value. All fields are set at publish
// time and never mutated afterwards.
type Snapshot struct {
	Title       string
	Session     string // id of the session that produced the snapshot
	Op          Op
	State       State
	BytesDone   int64
	BytesTotal  int64
	FilesDone   int
	FilesTotal  int
	BrokenFiles int
	Current     string // item currently being processed
	Speed       float64
	ETA         time.Duration
	Err         error
	Time        time.Time
}

func (s Snapshot) Percent() float64 {
	if s.BytesTotal > 0 {
		return min(float64(s.BytesDone)/float64(s.BytesTotal)*100, 100)
	}
	if s.FilesTotal > 0 {
		return min(float64(s.FilesDone)/float64(s.FilesTotal)*100, 100)
	}
	return 0
}
