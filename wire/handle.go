package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAddr is the loopback address the adb server listens on.
const DefaultAddr = "127.0.0.1:5037"

// Handle is the asynchronous protocol engine described by the package: it
// owns one TCP connection and a small reusable buffer, and exposes a set of
// primitives (Connect, HostRequest, HostMessage, HostData, SyncRequest,
// SyncResponse, SyncSendFile, SyncRecvFile, SyncStat, SyncList) that a
// caller composes by calling them in sequence.
//
// Composing primitives is ordinary Go control flow: each primitive checks
// the handle's sticky error before touching the socket, so a chain reads
// top to bottom the same way the operation tables in the client package
// describe it — the continuation-chaining of an asio-style engine collapses
// to a straight-line function once the target language has goroutines.
//
// A Handle's chain runs on exactly one goroutine. Wait blocks a second
// goroutine (the caller) until that chain calls Finish or the armed
// deadline elapses; on timeout it closes the connection so whatever read or
// write is outstanding unblocks immediately.
type Handle struct {
	addr string
	log  logrus.FieldLogger

	mu       sync.Mutex
	conn     net.Conn
	err      error
	deadline time.Time

	header [4]byte
	buf    []byte

	data     []byte
	dataSize int

	bufCursor, bufSize int

	entry DirEntry

	done     chan struct{}
	doneOnce sync.Once
}

// NewHandle creates a Handle that will dial addr. An empty addr dials
// DefaultAddr. A nil logger falls back to logrus's standard logger.
func NewHandle(addr string, log logrus.FieldLogger) *Handle {
	if addr == "" {
		addr = DefaultAddr
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handle{
		addr: addr,
		log:  log,
		buf:  make([]byte, SyncMaxChunkSize),
		done: make(chan struct{}),
	}
}

// Data returns the accumulated reply. Undefined if Err() is non-nil.
func (h *Handle) Data() []byte { return h.data }

// Entry returns the DirEntry decoded by the most recent SyncStat call.
func (h *Handle) Entry() DirEntry { return h.entry }

// Err returns the sticky error of the chain, or nil if nothing has failed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) failed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err != nil
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// TakeConn detaches the handle's connection so Wait no longer closes it,
// and returns it to the caller. Used by interactive_shell to salvage the
// live socket after a successful handshake; call it from within the chain,
// before Finish.
func (h *Handle) TakeConn() net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conn
	h.conn = nil
	return c
}

func (h *Handle) setConn(c net.Conn) {
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
}

func (h *Handle) closeConn() {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Arm records the deadline the chain must finish by. Call before starting
// the chain's goroutine: Connect reads the deadline to arm the socket, and
// Wait reads it to size its own timer.
func (h *Handle) Arm(timeout time.Duration) {
	h.deadline = time.Now().Add(timeout)
}

// Finish marks the chain complete, waking a blocked Wait call exactly once.
// The composer calls this as the last step of every chain.
func (h *Handle) Finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Wait blocks until Finish is called or the armed deadline elapses. On
// timeout it sets the sticky error to ErrTimedOut and closes the
// connection so the chain's outstanding I/O unblocks. Call Arm before
// starting the chain.
func (h *Handle) Wait() error {
	remaining := time.Until(h.deadline)
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.log.Warnf("chain against %s did not finish within its deadline, closing connection", h.addr)
		h.fail(ErrTimedOut)
	}
	h.closeConn()
	return h.Err()
}

// Connect opens the TCP connection to addr and arms the per-call deadline
// on it. On refusal it sets ErrServerNotAvailable; any other dial failure
// sets ErrIO.
func (h *Handle) Connect() {
	if h.failed() {
		return
	}
	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			h.log.WithError(err).Warnf("adb server not available at %s", h.addr)
			h.fail(fmt.Errorf("%w: %v", ErrServerNotAvailable, err))
		} else {
			h.log.WithError(err).Warnf("dial %s failed", h.addr)
			h.fail(fmt.Errorf("%w: dial %s: %v", ErrIO, h.addr, err))
		}
		return
	}
	if !h.deadline.IsZero() {
		conn.SetDeadline(h.deadline)
	}
	h.setConn(conn)
}

// HostRequest writes an ADB host request and reads its OKAY/FAIL status.
// On FAIL it reads the bounded failure message into Data and sets the
// sticky error to a *ServerFailError carrying that message.
func (h *Handle) HostRequest(req string) {
	if h.failed() {
		return
	}
	if err := h.writeFull(encodeHost(req)); err != nil {
		h.fail(err)
		return
	}
	h.hostResponse(req)
}

func (h *Handle) hostResponse(req string) {
	if h.failed() {
		return
	}
	if _, err := io.ReadFull(h.conn, h.header[:]); err != nil {
		h.fail(classifyIOErr(err))
		return
	}
	switch string(h.header[:]) {
	case IDOkay:
		return
	case IDFail:
		msg, err := h.readBoundedMessage()
		if err != nil {
			h.fail(err)
			return
		}
		h.data = append(h.data, msg...)
		h.fail(serverFail(req, string(msg)))
	default:
		h.fail(fmt.Errorf("%w: unexpected status %q", ErrProtocolViolation, h.header[:]))
	}
}

// HostMessage reads one length-prefixed frame: a 4-hex-digit body length
// followed by that many bytes, appended to Data.
func (h *Handle) HostMessage() {
	if h.failed() {
		return
	}
	msg, err := h.readBoundedMessage()
	if err != nil {
		h.fail(err)
		return
	}
	h.data = append(h.data, msg...)
	h.dataSize = len(h.data)
}

// readBoundedMessage reads a 4-hex-digit length prefix then that many
// bytes. It does not consult or set the sticky error, so hostResponse can
// use it to decode a FAIL message even though the error is already set.
func (h *Handle) readBoundedMessage() ([]byte, error) {
	var lenHeader [4]byte
	if _, err := io.ReadFull(h.conn, lenHeader[:]); err != nil {
		return nil, classifyIOErr(err)
	}
	n, err := decodeHostLength(lenHeader[:])
	if err != nil {
		return nil, err
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(h.conn, msg); err != nil {
		return nil, classifyIOErr(err)
	}
	return msg, nil
}

// HostData reads chunks into Data until EOF. EOF is the successful
// terminator for device-attached command output (shell:, exec:, root:,
// unroot:), not an error.
func (h *Handle) HostData() {
	if h.failed() {
		return
	}
	buf, err := io.ReadAll(h.conn)
	if err != nil {
		h.fail(classifyIOErr(err))
		return
	}
	h.data = append(h.data, buf...)
}

// SyncRequest writes an 8-byte SYNC header (id + little-endian length)
// followed by body, if non-nil. For a DONE request, length carries the
// mtime timestamp instead of a byte count and body is nil.
func (h *Handle) SyncRequest(id string, length uint32, body []byte) {
	if h.failed() {
		return
	}
	if err := h.writeFull(encodeSync(id, length)); err != nil {
		h.fail(err)
		return
	}
	if body == nil {
		return
	}
	if err := h.writeFull(body); err != nil {
		h.fail(err)
	}
}

// SyncResponse reads the 4-byte SYNC status word (OKAY or FAIL) into Data.
// The caller inspects Data to tell them apart; I/O failure sets ErrIO.
func (h *Handle) SyncResponse() {
	if h.failed() {
		return
	}
	var resp [4]byte
	if _, err := io.ReadFull(h.conn, resp[:]); err != nil {
		h.fail(classifyIOErr(err))
		return
	}
	h.data = append(h.data[:0], resp[:]...)
}

// SyncSendFile streams path to the peer as a sequence of DATA requests,
// chunked to SyncMaxChunkSize. The caller issues the closing DONE request
// and reads the final status separately. The source file is opened here
// and closed before returning, whatever the outcome. onChunk, if non-nil,
// is called after each chunk is written with the cumulative byte count
// sent so far, letting a caller drive a progress indicator.
func (h *Handle) SyncSendFile(path string, onChunk func(sent int64)) {
	if h.failed() {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		h.fail(fmt.Errorf("%w: open %s: %v", ErrIO, path, err))
		return
	}
	defer f.Close()

	var sent int64
	for {
		n, rerr := f.Read(h.buf)
		if n > 0 {
			h.bufCursor, h.bufSize = 0, n
			if err := h.writeFull(encodeSyncWithBody(IDData, h.buf[:n])); err != nil {
				h.fail(err)
				return
			}
			h.bufCursor = h.bufSize
			sent += int64(n)
			h.log.Debugf("push %s: sent %d bytes", path, sent)
			if onChunk != nil {
				onChunk(sent)
			}
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			h.fail(fmt.Errorf("%w: read %s: %v", ErrIO, path, rerr))
			return
		}
	}
}

// SyncRecvFile reads a RECV transfer's DATA chunks into w until a DONE
// terminator. It mirrors SyncSendFile: the caller issues the RECV request
// first, then calls SyncRecvFile to drain the response.
func (h *Handle) SyncRecvFile(w io.Writer) {
	if h.failed() {
		return
	}
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(h.conn, hdr[:]); err != nil {
			h.fail(classifyIOErr(err))
			return
		}
		id, length, err := decodeSync(hdr[:])
		if err != nil {
			h.fail(err)
			return
		}
		switch id {
		case IDData:
			if _, err := io.CopyN(w, h.conn, int64(length)); err != nil {
				h.fail(classifyIOErr(err))
				return
			}
		case IDDone:
			return
		case IDFail:
			msg := make([]byte, length)
			if _, err := io.ReadFull(h.conn, msg); err != nil {
				h.fail(classifyIOErr(err))
				return
			}
			h.fail(serverFail("recv", string(msg)))
			return
		default:
			h.fail(fmt.Errorf("%w: unexpected sync id %q", ErrProtocolViolation, id))
			return
		}
	}
}

// SyncStat sends a STAT request for path and decodes the fixed 16-byte
// response into Entry. An all-zero record (adb's way of saying the path
// doesn't exist) sets ErrFileNoExist.
func (h *Handle) SyncStat(path string) {
	if h.failed() {
		return
	}
	if err := h.writeFull(encodeSyncWithBody(IDStat, []byte(path))); err != nil {
		h.fail(err)
		return
	}
	var rec [16]byte
	if _, err := io.ReadFull(h.conn, rec[:]); err != nil {
		h.fail(classifyIOErr(err))
		return
	}
	id := string(rec[:4])
	if id != IDStat {
		h.fail(fmt.Errorf("%w: expected %s, got %q", ErrProtocolViolation, IDStat, id))
		return
	}
	mode := parseAdbMode(binary.LittleEndian.Uint32(rec[4:8]))
	size := int64(binary.LittleEndian.Uint32(rec[8:12]))
	mtime := time.Unix(int64(int32(binary.LittleEndian.Uint32(rec[12:16]))), 0).UTC()
	if mode == 0 && size == 0 && mtime.Equal(zeroTime) {
		h.fail(ErrFileNoExist)
		return
	}
	h.entry = DirEntry{Mode: mode, Size: size, ModifiedAt: mtime}
}

// SyncList sends a LIST request for path and invokes onEntry for every
// decoded DENT record until a DONE terminator. onEntry may return false to
// stop early without treating it as an error.
func (h *Handle) SyncList(path string, onEntry func(DirEntry) bool) {
	if h.failed() {
		return
	}
	if err := h.writeFull(encodeSyncWithBody(IDList, []byte(path))); err != nil {
		h.fail(err)
		return
	}
	var hdr [20]byte
	for {
		if _, err := io.ReadFull(h.conn, hdr[:]); err != nil {
			h.fail(classifyIOErr(err))
			return
		}
		id := string(hdr[:4])
		if id == IDDone {
			return
		}
		if id != IDDent {
			h.fail(fmt.Errorf("%w: expected %s or %s, got %q", ErrProtocolViolation, IDDent, IDDone, id))
			return
		}
		mode := parseAdbMode(binary.LittleEndian.Uint32(hdr[4:8]))
		size := int64(binary.LittleEndian.Uint32(hdr[8:12]))
		mtime := time.Unix(int64(int32(binary.LittleEndian.Uint32(hdr[12:16]))), 0).UTC()
		namelen := binary.LittleEndian.Uint32(hdr[16:20])

		name := make([]byte, namelen)
		if namelen > 0 {
			if _, err := io.ReadFull(h.conn, name); err != nil {
				h.fail(classifyIOErr(err))
				return
			}
		}

		entry := DirEntry{Name: string(name), Mode: mode, Size: size, ModifiedAt: mtime}
		if onEntry != nil && !onEntry(entry) {
			return
		}
	}
}

func (h *Handle) writeFull(p []byte) error {
	for len(p) > 0 {
		n, err := h.conn.Write(p)
		if err != nil {
			return classifyIOErr(err)
		}
		p = p[n:]
	}
	return nil
}

func classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short read: %v", ErrProtocolViolation, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}
