package adb

import (
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"
)

// ncCommandPattern matches a shell command ending in "nc -w 3 <host>
// <port>"; the last whitespace-separated token is the port to rewrite.
var ncCommandPattern = regexp.MustCompile(`^(.+nc -w 3 .+ )(\S+)$`)

// rewriteNCCommand recognises the nc-port workaround in cmd. When it
// matches, it binds a local TCP acceptor, rewrites the trailing port to
// that acceptor's port, and returns the rewritten command and the
// listener the caller must drain. ok is false when cmd doesn't match, in
// which case the listener is nil and the command is returned unchanged.
func rewriteNCCommand(cmd string) (rewritten string, ln net.Listener, ok bool, err error) {
	m := ncCommandPattern.FindStringSubmatch(cmd)
	if m == nil {
		return cmd, nil, false, nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, false, fmt.Errorf("nc-rewrite: bind local acceptor: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	return m[1] + strconv.Itoa(port), listener, true, nil
}

type ncResult struct {
	data []byte
	err  error
}

// acceptAndDrain accepts exactly one inbound connection on ln, bounded by
// timeout, and reads it to EOF. The drained bytes become the nc-rewritten
// shell operation's result in place of the normal host_data read.
func acceptAndDrain(ln net.Listener, timeout time.Duration, out chan<- ncResult) {
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		out <- ncResult{err: fmt.Errorf("nc-rewrite: accept: %w", err)}
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(timeout))
	data, err := io.ReadAll(conn)
	if err != nil {
		out <- ncResult{err: fmt.Errorf("nc-rewrite: drain: %w", err)}
		return
	}
	out <- ncResult{data: data}
}
