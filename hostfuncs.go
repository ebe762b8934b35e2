package adb

import (
	"time"

	"github.com/prife-fork/adblite/wire"
)

// Version asks the adb server for its protocol version (host:version). It
// dials a fresh connection and runs on an ephemeral goroutine; no reactor
// is required.
func Version(timeout time.Duration, opts Options) (string, error) {
	addr, log := opts.resolve()
	h := wire.NewHandle(addr, log)
	h.Arm(timeout)
	go func() {
		h.Connect()
		h.HostRequest("host:version")
		h.HostMessage()
		h.Finish()
	}()
	h.Wait()
	return string(h.Data()), h.Err()
}

// Devices asks the adb server for its attached-device list (host:devices),
// returning the raw tab-separated text the server replies with.
func Devices(timeout time.Duration, opts Options) (string, error) {
	addr, log := opts.resolve()
	h := wire.NewHandle(addr, log)
	h.Arm(timeout)
	go func() {
		h.Connect()
		h.HostRequest("host:devices")
		h.HostMessage()
		h.Finish()
	}()
	h.Wait()
	return string(h.Data()), h.Err()
}

// KillServer asks the adb server to exit (host:kill). Only the OKAY/FAIL
// status word is read; no message follows it on success.
func KillServer(timeout time.Duration, opts Options) error {
	addr, log := opts.resolve()
	h := wire.NewHandle(addr, log)
	h.Arm(timeout)
	go func() {
		h.Connect()
		h.HostRequest("host:kill")
		h.Finish()
	}()
	h.Wait()
	return h.Err()
}
