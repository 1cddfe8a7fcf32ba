// Package packet implements MySQL packet framing on top of buffer
// chains: header peeking, splitting complete packets off a partially
// read stream, first-byte classification and packet construction.
package packet

import (
	"encoding/binary"

	"github.com/mevdschee/tqsqlproxy/buffer"
)

// PeekHeader reads the packet header at the head of the chain without
// consuming it. ok is false when fewer than 4 bytes are available.
func PeekHeader(b *buffer.Buffer) (payloadLen int, seq byte, ok bool) {
	var hdr [HeaderLen]byte
	if b.CopyData(0, HeaderLen, hdr[:]) < HeaderLen {
		return 0, 0, false
	}
	return int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16, hdr[3], true
}

// NextPacket removes the first complete packet (header included) from
// the chain. When the chain holds less than one whole packet, pkt is
// nil and the chain is returned untouched.
func NextPacket(b *buffer.Buffer) (pkt, rest *buffer.Buffer) {
	n, _, ok := PeekHeader(b)
	if !ok {
		return nil, b
	}
	total := HeaderLen + n
	if b.Len() < total {
		return nil, b
	}
	return buffer.Split(b, total)
}

// CompletePackets removes every complete packet from the chain in one
// split, leaving any trailing partial packet as residue.
func CompletePackets(b *buffer.Buffer) (pkts, residue *buffer.Buffer) {
	total := b.Len()
	offset := 0
	var hdr [HeaderLen]byte
	for {
		if b.CopyData(offset, HeaderLen, hdr[:]) < HeaderLen {
			break
		}
		n := HeaderLen + (int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16)
		if offset+n > total {
			break
		}
		offset += n
	}
	if offset == 0 {
		return nil, b
	}
	return buffer.Split(b, offset)
}

// Command returns the command byte of a client packet.
func Command(data []byte) byte {
	if len(data) < HeaderLen+1 {
		return 0
	}
	return data[HeaderLen]
}

// ReplyType classifies the first payload byte of a server packet.
type ReplyType int

const (
	ReplyOK ReplyType = iota
	ReplyErr
	ReplyEOF
	ReplyAuthSwitch
	ReplyLocalInfile
	ReplyResultSet
)

// Classify maps a packet's payload length and first payload byte to its
// reply type. A 0xfe lead byte is an EOF when the payload is shorter
// than 9 bytes and an AuthSwitchRequest otherwise.
func Classify(payloadLen int, first byte) ReplyType {
	switch first {
	case OK_HEADER:
		return ReplyOK
	case ERR_HEADER:
		return ReplyErr
	case LOCAL_INFILE_HEADER:
		return ReplyLocalInfile
	case EOF_HEADER:
		if payloadLen < 9 {
			return ReplyEOF
		}
		return ReplyAuthSwitch
	default:
		return ReplyResultSet
	}
}

// ClassifyPacket classifies a whole packet (header included).
func ClassifyPacket(data []byte) ReplyType {
	if len(data) < HeaderLen+1 {
		return ReplyResultSet
	}
	return Classify(payloadLen(data), data[HeaderLen])
}

func payloadLen(data []byte) int {
	return int(data[0]) | int(data[1])<<8 | int(data[2])<<16
}

// IsResultSet reports whether a complete reply starts a resultset.
func IsResultSet(data []byte) bool {
	return ClassifyPacket(data) == ReplyResultSet
}

// ErrCode extracts the error code from an ERR packet.
func ErrCode(data []byte) uint16 {
	if len(data) < HeaderLen+3 {
		return 0
	}
	return binary.LittleEndian.Uint16(data[HeaderLen+1 : HeaderLen+3])
}

// ErrMessage extracts the human-readable text from an ERR packet,
// skipping the SQL state marker when present.
func ErrMessage(data []byte) string {
	end := HeaderLen + payloadLen(data)
	if end > len(data) {
		end = len(data)
	}
	pos := HeaderLen + 3
	if pos < end && data[pos] == '#' {
		pos += 6
	}
	if pos >= end {
		return ""
	}
	return string(data[pos:end])
}

// PutLengthEncodedInt encodes an integer as a length-encoded integer
func PutLengthEncodedInt(n uint64) []byte {
	switch {
	case n < 251:
		return []byte{byte(n)}
	case n < 1<<16:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n < 1<<24:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		return []byte{0xfe,
			byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
			byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56)}
	}
}

// ReadLengthEncodedInt reads a length-encoded integer.
// Returns: value, isNull, bytesRead
func ReadLengthEncodedInt(b []byte) (uint64, bool, int) {
	if len(b) == 0 {
		return 0, false, 0
	}
	switch b[0] {
	case 0xfb: // NULL
		return 0, true, 1
	case 0xfc: // 2-byte int
		if len(b) < 3 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8, false, 3
	case 0xfd: // 3-byte int
		if len(b) < 4 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, false, 4
	case 0xfe: // 8-byte int
		if len(b) < 9 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16 | uint64(b[4])<<24 |
			uint64(b[5])<<32 | uint64(b[6])<<40 | uint64(b[7])<<48 | uint64(b[8])<<56, false, 9
	default: // 1-byte int
		return uint64(b[0]), false, 1
	}
}

func finish(data []byte, seq byte) []byte {
	n := len(data) - HeaderLen
	data[0] = byte(n)
	data[1] = byte(n >> 8)
	data[2] = byte(n >> 16)
	data[3] = seq
	return data
}

// OKPacket creates an OK packet.
func OKPacket(seq byte, affectedRows, insertId uint64, status uint16) []byte {
	data := make([]byte, HeaderLen, 32)
	data = append(data, OK_HEADER)
	data = append(data, PutLengthEncodedInt(affectedRows)...)
	data = append(data, PutLengthEncodedInt(insertId)...)
	data = append(data, byte(status), byte(status>>8))
	data = append(data, 0, 0) // warnings
	return finish(data, seq)
}

// ErrorPacket creates an ERR packet with the protocol-4.1 SQL state
// marker.
func ErrorPacket(seq byte, errno uint16, sqlState, message string) []byte {
	data := make([]byte, HeaderLen, 13+len(message))
	data = append(data, ERR_HEADER)
	data = append(data, byte(errno), byte(errno>>8))
	data = append(data, '#')
	data = append(data, sqlState...)
	data = append(data, message...)
	return finish(data, seq)
}

// EOFPacket creates an EOF packet.
func EOFPacket(seq byte, status uint16) []byte {
	data := make([]byte, HeaderLen, 9)
	data = append(data, EOF_HEADER)
	data = append(data, 0, 0) // warnings
	data = append(data, byte(status), byte(status>>8))
	return finish(data, seq)
}

// QuitPacket creates a COM_QUIT packet.
func QuitPacket() []byte {
	return []byte{1, 0, 0, 0, COM_QUIT}
}
