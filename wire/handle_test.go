package wire

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer starts a one-shot TCP listener and runs handle on the first
// accepted connection, returning the address to dial.
func mockServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestHandleHostRequestOkay(t *testing.T) {
	addr := mockServer(t, func(conn net.Conn) {
		buf := make([]byte, 4+len("host:version"))
		io.ReadFull(conn, buf)
		conn.Write([]byte(IDOkay))
	})

	h := NewHandle(addr, nil)
	h.Arm(time.Second)
	h.Connect()
	h.HostRequest("host:version")
	h.Finish()
	require.NoError(t, h.Wait())
}

func TestHandleHostRequestFail(t *testing.T) {
	addr := mockServer(t, func(conn net.Conn) {
		buf := make([]byte, 4+len("host:transport:missing"))
		io.ReadFull(conn, buf)
		msg := "device 'missing' not found"
		conn.Write([]byte(IDFail))
		conn.Write(encodeHost(msg)[:4])
		conn.Write([]byte(msg))
	})

	h := NewHandle(addr, nil)
	h.Arm(time.Second)
	h.Connect()
	h.HostRequest("host:transport:missing")
	h.Finish()

	err := h.Wait()
	require.Error(t, err)
	msg, ok := IsServerFail(err)
	assert.True(t, ok)
	assert.Contains(t, msg, "not found")
	assert.ErrorIs(t, err, ErrFileNoExist)
}

func TestHandleHostDataReadsUntilEOF(t *testing.T) {
	addr := mockServer(t, func(conn net.Conn) {
		buf := make([]byte, 4+len("host:version"))
		io.ReadFull(conn, buf)
		conn.Write([]byte(IDOkay))
		conn.Write([]byte("0020"))
		conn.Write([]byte(IDOkay))
		conn.Write([]byte("hello from device\n"))
	})

	h := NewHandle(addr, nil)
	h.Arm(time.Second)
	h.Connect()
	h.HostRequest("host:version")
	h.HostData()
	h.Finish()

	require.NoError(t, h.Wait())
	assert.Contains(t, string(h.Data()), "hello from device")
}

func TestHandleTimeoutClosesConnection(t *testing.T) {
	unblock := make(chan struct{})
	addr := mockServer(t, func(conn net.Conn) {
		<-unblock
	})
	t.Cleanup(func() { close(unblock) })

	h := NewHandle(addr, nil)
	h.Arm(20 * time.Millisecond)
	h.Connect()
	go func() {
		h.HostRequest("host:version")
		h.Finish()
	}()

	err := h.Wait()
	assert.ErrorIs(t, err, ErrTimedOut)
	_, rerr := h.conn.Read(make([]byte, 1))
	assert.ErrorIs(t, rerr, net.ErrClosed)
}

func TestHandleSyncSendFilePushesChunkedData(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "push-src")
	require.NoError(t, err)
	payload := []byte("hello sync push")
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var received []byte
	addr := mockServer(t, func(conn net.Conn) {
		var hdr [8]byte
		for {
			if _, err := io.ReadFull(conn, hdr[:]); err != nil {
				return
			}
			id, length, err := decodeSync(hdr[:])
			require.NoError(t, err)
			switch id {
			case IDSend:
				chunk := make([]byte, length)
				io.ReadFull(conn, chunk)
			case IDData:
				chunk := make([]byte, length)
				io.ReadFull(conn, chunk)
				received = append(received, chunk...)
			case IDDone:
				conn.Write([]byte(IDOkay))
				return
			}
		}
	})

	h := NewHandle(addr, nil)
	h.Arm(time.Second)
	h.Connect()
	h.SyncRequest(IDSend, uint32(len(f.Name()+",420")), []byte(f.Name()+",420"))
	h.SyncSendFile(f.Name(), nil)
	h.SyncRequest(IDDone, uint32(time.Now().Unix()), nil)
	h.SyncResponse()
	h.Finish()

	require.NoError(t, h.Wait())
	assert.Equal(t, payload, received)
	assert.Equal(t, IDOkay, string(h.Data()))
}

func TestHandleSyncStatFound(t *testing.T) {
	addr := mockServer(t, func(conn net.Conn) {
		var hdr [8]byte
		io.ReadFull(conn, hdr[:])
		rec := make([]byte, 16)
		copy(rec, IDStat)
		binary.LittleEndian.PutUint32(rec[4:8], 0100644)
		binary.LittleEndian.PutUint32(rec[8:12], 42)
		binary.LittleEndian.PutUint32(rec[12:16], 1700000000)
		conn.Write(rec)
	})

	h := NewHandle(addr, nil)
	h.Arm(time.Second)
	h.Connect()
	h.SyncStat("/sdcard/file.txt")
	h.Finish()

	require.NoError(t, h.Wait())
	entry := h.Entry()
	assert.Equal(t, int64(42), entry.Size)
	assert.False(t, entry.Mode.IsDir())
}

func TestHandleSyncStatMissingReportsFileNoExist(t *testing.T) {
	addr := mockServer(t, func(conn net.Conn) {
		var hdr [8]byte
		io.ReadFull(conn, hdr[:])
		rec := make([]byte, 16)
		copy(rec, IDStat)
		conn.Write(rec)
	})

	h := NewHandle(addr, nil)
	h.Arm(time.Second)
	h.Connect()
	h.SyncStat("/sdcard/missing.txt")
	h.Finish()

	err := h.Wait()
	assert.ErrorIs(t, err, ErrFileNoExist)
}

func TestHandleSyncListCollectsEntries(t *testing.T) {
	addr := mockServer(t, func(conn net.Conn) {
		var hdr [8]byte
		io.ReadFull(conn, hdr[:])

		writeDent := func(name string, mode uint32, size int64) {
			rec := make([]byte, 20+len(name))
			copy(rec, IDDent)
			binary.LittleEndian.PutUint32(rec[4:8], mode)
			binary.LittleEndian.PutUint32(rec[8:12], uint32(size))
			binary.LittleEndian.PutUint32(rec[12:16], 1700000000)
			binary.LittleEndian.PutUint32(rec[16:20], uint32(len(name)))
			copy(rec[20:], name)
			conn.Write(rec)
		}
		writeDent("a.txt", 0100644, 10)
		writeDent("sub", 0040755, 0)
		done := make([]byte, 20)
		copy(done, IDDone)
		conn.Write(done)
	})

	h := NewHandle(addr, nil)
	h.Arm(time.Second)
	h.Connect()
	var names []string
	h.SyncList("/sdcard", func(e DirEntry) bool {
		names = append(names, e.Name)
		return true
	})
	h.Finish()

	require.NoError(t, h.Wait())
	assert.Equal(t, []string{"a.txt", "sub"}, names)
}
