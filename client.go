package adb

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prife-fork/adblite/wire"
)

// Client is bound to a single device serial. Each operation constructs an
// async handle, composes the relevant wire primitives, and runs them
// under a caller-supplied timeout; Start/Stop toggle whether those
// chains execute on a shared reactor goroutine or an ephemeral one spun
// up per call.
type Client struct {
	serial string
	addr   string
	log    logrus.FieldLogger

	r *reactor
}

// New returns a Client bound to serial. opts.Addr defaults to
// wire.DefaultAddr; opts.Log defaults to logrus's standard logger.
func New(serial string, opts Options) *Client {
	addr, log := opts.resolve()
	return &Client{
		serial: serial,
		addr:   addr,
		log:    log.WithField("serial", serial),
		r:      newReactor(),
	}
}

// Start launches the shared reactor goroutine. Operations issued before
// Start (or after Stop) each run on their own ephemeral goroutine instead.
func (c *Client) Start() { c.r.start() }

// Stop halts the shared reactor goroutine and waits for it to exit.
func (c *Client) Stop() { c.r.stopReactor() }

// run arms h with timeout, submits chain to the reactor (or an ephemeral
// goroutine), waits for it to finish or time out, and returns h for the
// caller to inspect.
func (c *Client) run(timeout time.Duration, chain func(h *wire.Handle)) *wire.Handle {
	h := wire.NewHandle(c.addr, c.log)
	h.Arm(timeout)
	c.r.submit(func() {
		chain(h)
		h.Finish()
	})
	if err := h.Wait(); err != nil {
		c.log.WithError(err).Debug("chain finished with error")
	} else {
		c.log.Debug("chain finished")
	}
	return h
}

func (c *Client) transport(h *wire.Handle) {
	h.Connect()
	h.HostRequest(fmt.Sprintf("host:transport:%s", c.serial))
}

// Connect registers the device's network address with the adb server
// (host:connect:<serial>), the counterpart to `adb connect`.
func (c *Client) Connect(timeout time.Duration) (string, error) {
	h := c.run(timeout, func(h *wire.Handle) {
		h.Connect()
		h.HostRequest(fmt.Sprintf("host:connect:%s", c.serial))
		h.HostMessage()
	})
	return string(h.Data()), h.Err()
}

// Disconnect unregisters the device's network address (host:disconnect:<serial>).
func (c *Client) Disconnect(timeout time.Duration) (string, error) {
	h := c.run(timeout, func(h *wire.Handle) {
		h.Connect()
		h.HostRequest(fmt.Sprintf("host:disconnect:%s", c.serial))
		h.HostMessage()
	})
	return string(h.Data()), h.Err()
}

// Root restarts adbd on the device with root privileges.
func (c *Client) Root(timeout time.Duration) (string, error) {
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest("root:")
		h.HostData()
	})
	return string(h.Data()), h.Err()
}

// Unroot restarts adbd on the device back to unprivileged mode.
func (c *Client) Unroot(timeout time.Duration) (string, error) {
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest("unroot:")
		h.HostData()
	})
	return string(h.Data()), h.Err()
}

// Shell runs cmd through the device's shell and returns its combined
// output, read until the command exits and the connection hits EOF. When
// recvBySocket is true and cmd ends in an "nc -w 3 <host> <port>" clause,
// the port is rewritten to a local acceptor and the result is drained from
// the device's inbound connection instead.
func (c *Client) Shell(timeout time.Duration, cmd string, recvBySocket bool) (string, error) {
	return c.runDataOrNC(timeout, "shell:", cmd, recvBySocket)
}

// Exec runs cmd through the device's exec transport, which skips the
// shell's pty allocation and stdout/stderr merging quirks. recvBySocket
// behaves as it does for Shell.
func (c *Client) Exec(timeout time.Duration, cmd string, recvBySocket bool) (string, error) {
	return c.runDataOrNC(timeout, "exec:", cmd, recvBySocket)
}

func (c *Client) runDataOrNC(timeout time.Duration, prefix, cmd string, recvBySocket bool) (string, error) {
	if recvBySocket {
		if rewritten, ln, ok, err := rewriteNCCommand(cmd); err != nil {
			return "", err
		} else if ok {
			return c.runViaNC(timeout, prefix+rewritten, ln)
		}
	}
	return c.runData(timeout, prefix+cmd)
}

func (c *Client) runViaNC(timeout time.Duration, req string, ln net.Listener) (string, error) {
	defer ln.Close()

	results := make(chan ncResult, 1)
	go acceptAndDrain(ln, timeout, results)

	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest(req)
	})
	if err := h.Err(); err != nil {
		return "", err
	}

	res := <-results
	return string(res.data), res.err
}

func (c *Client) runData(timeout time.Duration, req string) (string, error) {
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest(req)
		h.HostData()
	})
	return string(h.Data()), h.Err()
}

// Push uploads src to dst on the device via the SYNC sub-protocol, setting
// dst's mode to perm. It returns ErrPushUnacknowledged if the transfer
// completes but the device's final status isn't OKAY.
func (c *Client) Push(timeout time.Duration, src, dst string, perm uint32) error {
	return c.PushProgress(timeout, src, dst, perm, nil)
}

// PushProgress is Push with an optional callback invoked after every chunk
// written, reporting cumulative bytes sent. A nil callback makes it
// identical to Push.
func (c *Client) PushProgress(timeout time.Duration, src, dst string, perm uint32, onProgress func(sent int64)) error {
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest("sync:")
		spec := fmt.Sprintf("%s,%d", dst, perm&0777)
		h.SyncRequest(wire.IDSend, uint32(len(spec)), []byte(spec))
		h.SyncSendFile(src, onProgress)
		h.SyncRequest(wire.IDDone, uint32(time.Now().Unix()), nil)
		h.SyncResponse()
	})
	if err := h.Err(); err != nil {
		return err
	}
	if string(h.Data()) != wire.IDOkay {
		return wire.ErrPushUnacknowledged
	}
	return nil
}

// Pull downloads src from the device via the SYNC sub-protocol, writing
// its contents to w.
func (c *Client) Pull(timeout time.Duration, src string, w io.Writer) error {
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest("sync:")
		h.SyncRequest(wire.IDRecv, uint32(len(src)), []byte(src))
		h.SyncRecvFile(w)
	})
	return h.Err()
}

// Stat retrieves a remote path's mode, size, and modification time via
// the SYNC sub-protocol. It returns wire.ErrFileNoExist if the path
// doesn't exist on the device.
func (c *Client) Stat(timeout time.Duration, path string) (wire.DirEntry, error) {
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest("sync:")
		h.SyncStat(path)
	})
	return h.Entry(), h.Err()
}

// List lists a remote directory's entries via the SYNC sub-protocol.
func (c *Client) List(timeout time.Duration, path string) ([]wire.DirEntry, error) {
	var entries []wire.DirEntry
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest("sync:")
		h.SyncList(path, func(e wire.DirEntry) bool {
			entries = append(entries, e)
			return true
		})
	})
	return entries, h.Err()
}

// InteractiveShell opens cmd in the device's shell and hands back the live
// socket as a Session, for bidirectional streaming beyond the single
// host_data read that Shell/Exec perform.
func (c *Client) InteractiveShell(timeout time.Duration, cmd string) (*Session, error) {
	var conn net.Conn
	h := c.run(timeout, func(h *wire.Handle) {
		c.transport(h)
		h.HostRequest("shell:" + cmd)
		if h.Err() == nil {
			conn = h.TakeConn()
		}
	})
	if err := h.Err(); err != nil {
		return nil, err
	}
	return newSession(conn, c.log), nil
}

// WaitForDevice blocks until the device appears in the server's device
// list as "<serial>\tdevice", bounded by timeout. It sleeps a second
// before its first poll, since adbd may still be advertising a stale
// session immediately after becoming reachable.
func (c *Client) WaitForDevice(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	time.Sleep(time.Second)

	marker := c.serial + "\tdevice"
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.ErrTimedOut
		}
		list, err := Devices(remaining, Options{Addr: c.addr, Log: c.log})
		if err != nil {
			return err
		}
		if strings.Contains(list, marker) {
			return nil
		}
		if time.Until(deadline) <= 0 {
			return wire.ErrTimedOut
		}
		time.Sleep(500 * time.Microsecond)
	}
}
