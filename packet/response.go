package packet

import "encoding/binary"

// ShapeKind selects how the end of a command's reply is recognized.
type ShapeKind int

const (
	// ShapeFixed completes after a known number of packets.
	ShapeFixed ShapeKind = iota
	// ShapeUntilEOF completes when an EOF (or ERR) packet arrives.
	ShapeUntilEOF
	// ShapeSignal completes when two signal packets (EOF, or ERR in
	// their place) have been seen.
	ShapeSignal
)

// ReplyShape describes the expected reply to one command.
type ReplyShape struct {
	Kind    ShapeKind
	Packets int // remaining packet count for ShapeFixed
	Signals int // signal packets still expected for ShapeSignal
}

// ExpectedReply concludes the reply shape for a command from the first
// complete reply packet (header included). ok is false when first does
// not yet hold enough bytes to decide.
func ExpectedReply(cmd byte, first []byte) (ReplyShape, bool) {
	if len(first) < HeaderLen+1 {
		return ReplyShape{}, false
	}
	if first[HeaderLen] == ERR_HEADER {
		return ReplyShape{Kind: ShapeFixed, Packets: 1}, true
	}
	switch cmd {
	case COM_QUERY, COM_STMT_EXECUTE, COM_STMT_FETCH:
		switch ClassifyPacket(first) {
		case ReplyOK, ReplyLocalInfile:
			return ReplyShape{Kind: ShapeFixed, Packets: 1}, true
		default:
			return ReplyShape{Kind: ShapeSignal, Signals: 2}, true
		}
	case COM_FIELD_LIST:
		return ReplyShape{Kind: ShapeUntilEOF}, true
	case COM_STMT_PREPARE:
		// status[1] stmt_id[4] num_columns[2] num_params[2]
		if len(first) < HeaderLen+9 {
			return ReplyShape{}, false
		}
		cols := int(binary.LittleEndian.Uint16(first[HeaderLen+5 : HeaderLen+7]))
		params := int(binary.LittleEndian.Uint16(first[HeaderLen+7 : HeaderLen+9]))
		n := 1 + cols + params
		if cols > 0 {
			n++
		}
		if params > 0 {
			n++
		}
		return ReplyShape{Kind: ShapeFixed, Packets: n}, true
	default:
		return ReplyShape{Kind: ShapeFixed, Packets: 1}, true
	}
}

// CountSignalPackets walks a contiguous run of complete packets
// belonging to a resultset and counts the signal packets seen. Two
// signals mean the resultset is complete. An ERR packet in place of a
// signal counts as one.
func CountSignalPackets(data []byte) int {
	signals := 0
	pos := 0
	first := true
	for pos+HeaderLen <= len(data) {
		n := int(data[pos]) | int(data[pos+1])<<8 | int(data[pos+2])<<16
		if pos+HeaderLen+n > len(data) {
			break
		}
		if !first && n > 0 {
			switch Classify(n, data[pos+HeaderLen]) {
			case ReplyEOF, ReplyErr:
				signals++
			}
		}
		first = false
		pos += HeaderLen + n
	}
	return signals
}
