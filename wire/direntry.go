package wire

import (
	"os"
	"time"
)

// DirEntry describes a remote path's POSIX mode, size, and modification
// time as reported by the SYNC STAT/LIST requests.
type DirEntry struct {
	Name       string
	Mode       os.FileMode
	Size       int64
	ModifiedAt time.Time
}

var zeroTime = time.Unix(0, 0).UTC()

// parseAdbMode translates adbd's raw POSIX mode_t bits into os.FileMode.
// adbd sends the kernel's S_IF* type bits verbatim, which don't line up
// with Go's os.ModeDir/os.ModeSymlink high bits, so the type nibble has to
// be remapped explicitly.
func parseAdbMode(raw uint32) os.FileMode {
	const (
		sIFMT   = 0170000
		sIFSOCK = 0140000
		sIFLNK  = 0120000
		sIFBLK  = 0060000
		sIFDIR  = 0040000
		sIFCHR  = 0020000
		sIFIFO  = 0010000
	)

	mode := os.FileMode(raw & 0777)
	switch raw & sIFMT {
	case sIFDIR:
		mode |= os.ModeDir
	case sIFLNK:
		mode |= os.ModeSymlink
	case sIFSOCK:
		mode |= os.ModeSocket
	case sIFIFO:
		mode |= os.ModeNamedPipe
	case sIFBLK:
		mode |= os.ModeDevice
	case sIFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	}
	return mode
}
