package wire

import (
	"errors"
	"fmt"
	"regexp"
)

// deviceNotFoundPattern matches the server's "device not found" FAIL
// messages. Old servers send "device not found", newer ones
// "device 'serial' not found".
var deviceNotFoundPattern = regexp.MustCompile(`device( '.*')? not found`)

// Sentinel errors covering the taxonomy the engine can produce. Every
// operation either returns nil or an error that wraps exactly one of these
// (except ServerFailError, which carries its own message and is returned
// directly).
var (
	// ErrTimedOut means the caller's deadline elapsed before the chain
	// finished; the socket was closed to unblock any outstanding I/O.
	ErrTimedOut = errors.New("adblite: timed out")

	// ErrServerNotAvailable the adb server was not reachable on the
	// requested host:port.
	ErrServerNotAvailable = errors.New("adblite: adb server not available")

	// ErrIO covers read/write/connect failures other than the above.
	ErrIO = errors.New("adblite: io failure")

	// ErrProtocolViolation means the peer sent something the codec didn't
	// expect: a non-hex length, an unrecognised status word, a short read.
	ErrProtocolViolation = errors.New("adblite: protocol violation")

	// ErrPushUnacknowledged means a SYNC SEND/DATA/DONE sequence completed
	// but the final status word was not OKAY.
	ErrPushUnacknowledged = errors.New("adblite: push not acknowledged")

	// ErrFileNoExist is returned by Stat when the device reports an
	// all-zero STAT record, adb's way of saying the path doesn't exist. A
	// *ServerFailError whose message reports a device not found also
	// unwraps to it.
	ErrFileNoExist = errors.New("adblite: remote file does not exist")
)

// ServerFailError wraps a FAIL response's decoded message. The message is
// carried as a plain string rather than looked up in a shared registry:
// idiomatic Go errors don't need a std::error_code-style category table to
// stay comparable, errors.As already gives callers what they need.
type ServerFailError struct {
	Request string
	Message string
}

func (e *ServerFailError) Error() string {
	return fmt.Sprintf("adb server request %q failed: %s", e.Request, e.Message)
}

// Unwrap lets errors.Is(err, ErrFileNoExist) see through a ServerFailError
// whose message matches deviceNotFoundPattern ("device not found" or
// "device '<serial>' not found").
func (e *ServerFailError) Unwrap() error {
	if deviceNotFoundPattern.MatchString(e.Message) {
		return ErrFileNoExist
	}
	return nil
}

func serverFail(request, message string) error {
	return &ServerFailError{Request: request, Message: message}
}

// IsServerFail reports whether err is (or wraps) a *ServerFailError, and
// returns the decoded message when it is.
func IsServerFail(err error) (string, bool) {
	var sf *ServerFailError
	if errors.As(err, &sf) {
		return sf.Message, true
	}
	return "", false
}
