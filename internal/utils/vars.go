package utils

import (
	"errors"
	"regexp"
)

const DefaultBufferSize = 1024 * 1024 // 1MB copy buffer
const TempDirName = ".lodestone-temp"
const LogFile = ".lodestone.log"

// Default bounded retry counts. All of these are overridable through the
// per-title configuration; the values follow observed launcher behavior.
const (
	DefaultSegmentRetries = 3
	DefaultChunkRetries   = 3
	DefaultFileRetries    = 2
)

var ErrRangeRequestsNotSupported = errors.New("range requests are not supported")
var ErrDestinationBusy = errors.New("another session is active for this destination")

// PartFileRegex matches the numbered suffix of segment part files.
var PartFileRegex = regexp.MustCompile(`\.part(\d+)$`)
