package backend

import (
	"log"

	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/metrics"
	"github.com/mevdschee/tqsqlproxy/packet"
	"github.com/mevdschee/tqsqlproxy/router"
)

// responseCursor tracks progress through the reply of the session
// command at the head of the queue. A zero cursor means no response is
// in progress.
type responseCursor struct {
	shape          packet.ReplyShape
	active         bool
	bytesLeft      int
	initialPackets int
	initialBytes   int
}

// readAndWrite is the post-authentication read path: demarcate the
// server's output, track session command responses and hand complete
// replies to the router.
func (c *Conn) readAndWrite() {
	caps := c.rt.Capabilities()
	rb := c.readq
	c.readq = nil
	if rb == nil {
		return
	}

	if caps&router.CapStmtOutput != 0 || c.ignoreReply {
		pkts, residue := packet.CompletePackets(rb)
		c.readq = residue
		if pkts == nil {
			return
		}
		rb = pkts

		if caps&router.CapContiguousOutput != 0 || c.ignoreReply {
			rb = buffer.MakeContiguous(rb)
			if caps&router.CapResultsetOutput != 0 && !c.ignoreReply &&
				c.expectingResultset() && packet.IsResultSet(rb.Bytes()) {
				if packet.CountSignalPackets(rb.Bytes()) != 2 {
					// resultset still incomplete, hold everything
					c.readq = buffer.Append(rb, c.readq)
					return
				}
			}
		}
	}

	if c.ignoreReply {
		c.consumeChangeUserReply(rb)
		return
	}

	for rb != nil {
		var stmt *buffer.Buffer
		if len(c.cmdQueue) > 0 {
			var complete bool
			var returned *buffer.Buffer
			stmt, returned, complete = c.trackResponse(rb)
			if !complete {
				// incomplete response: put everything back so the next
				// read resumes from the same point
				c.readq = buffer.Append(returned, c.readq)
				return
			}
			rb = returned
			if stmt == nil {
				log.Printf("[Backend] Response from %s marked complete but empty", c.server.UniqueName)
				return
			}
		} else if caps&router.CapStmtOutput != 0 && caps&router.CapResultsetOutput == 0 {
			stmt, rb = packet.NextPacket(rb)
			if stmt == nil {
				c.readq = buffer.Append(rb, c.readq)
				return
			}
		} else {
			stmt, rb = rb, nil
		}

		if c.okToRoute() {
			stmt.AddTag(buffer.TagMySQL)
			c.rt.ClientReply(c.sess, stmt)
		}
	}
}

func (c *Conn) expectingResultset() bool {
	return c.currentCommand == packet.COM_QUERY ||
		c.currentCommand == packet.COM_STMT_FETCH
}

// trackResponse consumes reply packets for the head session command.
// On completion it returns the response chain (last packet tagged as
// response end) and the unconsumed remainder. When the reply is still
// incomplete every consumed byte is handed back and the cursor is
// restored to its entry state, so the call is free of side effects.
func (c *Conn) trackResponse(rb *buffer.Buffer) (out, rest *buffer.Buffer, complete bool) {
	entry := c.cursor
	var collected *buffer.Buffer

	for {
		pkt, remaining := packet.NextPacket(rb)
		if pkt == nil {
			c.cursor = entry
			return nil, buffer.Append(collected, rb), false
		}
		rb = remaining
		raw := buffer.MakeContiguous(pkt).Bytes()
		pkt = buffer.New(raw)

		if !c.cursor.active {
			shape, ok := packet.ExpectedReply(c.cmdQueue[0], raw)
			if !ok {
				c.cursor = entry
				return nil, buffer.Append(buffer.Append(collected, pkt), rb), false
			}
			c.cursor = responseCursor{
				shape:          shape,
				active:         true,
				initialPackets: shape.Packets,
				initialBytes:   len(raw),
			}
		}

		done := c.cursor.step(raw)
		pkt.AddTag(buffer.TagSessionCmdResponse)
		collected = buffer.Append(collected, pkt)

		if done {
			collected.Last().AddTag(buffer.TagResponseEnd)
			c.archiveCommand()
			c.cursor = responseCursor{}
			return collected, rb, true
		}
		if rb == nil {
			c.cursor = entry
			return nil, collected, false
		}
	}
}

// step consumes one complete packet and reports whether the response
// ended with it.
func (cur *responseCursor) step(raw []byte) bool {
	switch cur.shape.Kind {
	case packet.ShapeFixed:
		cur.shape.Packets--
		return cur.shape.Packets <= 0
	case packet.ShapeUntilEOF:
		switch packet.ClassifyPacket(raw) {
		case packet.ReplyEOF, packet.ReplyErr:
			return true
		}
		return false
	case packet.ShapeSignal:
		switch packet.ClassifyPacket(raw) {
		case packet.ReplyErr:
			return true
		case packet.ReplyEOF:
			cur.shape.Signals--
		}
		return cur.shape.Signals <= 0
	}
	return false
}

// recordCommand queues a session command whose reply must be tracked.
func (c *Conn) recordCommand(cmd byte) {
	c.cmdQueue = append(c.cmdQueue, cmd)
	metrics.SessionCommands.WithLabelValues(commandLabel(cmd)).Inc()
}

// archiveCommand retires the head session command after its reply
// completed.
func (c *Conn) archiveCommand() {
	if len(c.cmdQueue) > 0 {
		c.cmdQueue = c.cmdQueue[1:]
	}
	metrics.ResponsesCompleted.Inc()
}

func commandLabel(cmd byte) string {
	const hex = "0123456789abcdef"
	return "0x" + string([]byte{hex[cmd>>4], hex[cmd&0xf]})
}
