package adb

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prife-fork/adblite/wire"
)

// CommandTimeoutShortDefault is a reasonable default for quick host-level
// requests (version, devices, connect, root/unroot).
const CommandTimeoutShortDefault = 5 * time.Second

// CommandTimeoutLongDefault is a reasonable default for operations that
// stream device output or file contents (shell, exec, push, pull).
const CommandTimeoutLongDefault = 60 * time.Second

// Options configures a Client or a package-level free function.
type Options struct {
	// Addr is the adb server's host:port. Empty means wire.DefaultAddr.
	Addr string

	// Log receives the engine's diagnostic messages. Nil means
	// logrus.StandardLogger().
	Log logrus.FieldLogger
}

func (o Options) resolve() (addr string, log logrus.FieldLogger) {
	addr = o.Addr
	if addr == "" {
		addr = wire.DefaultAddr
	}
	log = o.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return addr, log
}
