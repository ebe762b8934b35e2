package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxHostBodyLength is the largest body encodeHost can frame: the header is
// 4 ASCII hex digits, so the body length must fit in 16 bits.
const MaxHostBodyLength = 0xFFFF

// SyncMaxChunkSize is the largest DATA chunk the SYNC sub-protocol allows in
// a single request.
const SyncMaxChunkSize = 64000

// Sync request ids. All are exactly 4 ASCII bytes.
const (
	IDStat = "STAT"
	IDList = "LIST"
	IDDent = "DENT"
	IDSend = "SEND"
	IDRecv = "RECV"
	IDData = "DATA"
	IDDone = "DONE"
	IDOkay = "OKAY"
	IDFail = "FAIL"
)

// encodeHost frames body as the ADB host protocol expects: 4 ASCII hex
// digits giving the body length, followed by the body itself. body must be
// no longer than MaxHostBodyLength; a longer payload is a programmer error.
func encodeHost(body string) []byte {
	if len(body) > MaxHostBodyLength {
		panic(fmt.Sprintf("adblite: host request body too long: %d bytes", len(body)))
	}
	out := make([]byte, 4+len(body))
	copy(out, fmt.Sprintf("%04x", len(body)))
	copy(out[4:], body)
	return out
}

// decodeHostLength parses a 4-byte ASCII hex length prefix.
func decodeHostLength(header []byte) (int, error) {
	if len(header) != 4 {
		return 0, fmt.Errorf("%w: short host length header: %d bytes", ErrProtocolViolation, len(header))
	}
	var n int
	for _, c := range header {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			n |= int(c-'A') + 10
		default:
			return 0, fmt.Errorf("%w: non-hex length byte %q", ErrProtocolViolation, c)
		}
	}
	return n, nil
}

// encodeSync frames an 8-byte SYNC header: a 4-byte ASCII id followed by a
// little-endian u32 length.
func encodeSync(id string, length uint32) []byte {
	if len(id) != 4 {
		panic(fmt.Sprintf("adblite: sync id must be 4 bytes, got %q", id))
	}
	out := make([]byte, 8)
	copy(out, id)
	binary.LittleEndian.PutUint32(out[4:], length)
	return out
}

// encodeSyncWithBody frames a SYNC header followed by its body.
func encodeSyncWithBody(id string, body []byte) []byte {
	header := encodeSync(id, uint32(len(body)))
	return append(header, body...)
}

// decodeSync parses an 8-byte SYNC header into its id and length.
func decodeSync(header []byte) (id string, length uint32, err error) {
	if len(header) != 8 {
		return "", 0, fmt.Errorf("%w: short sync header: %d bytes", ErrProtocolViolation, len(header))
	}
	return string(header[:4]), binary.LittleEndian.Uint32(header[4:8]), nil
}
