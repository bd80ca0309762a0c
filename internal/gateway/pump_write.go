package gateway

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writePump drains the session's send channel onto the socket. Hot path:
// after the first frame it drains whatever else is queued into one
// buffered flush, collapsing a burst of broadcasts into a single syscall.
func (s *Server) writePump(c *Client) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Best-effort close frame so the client learns why it is being
		// dropped. Written here because this goroutine owns the socket;
		// nothing else may interleave with a buffered frame in flight.
		select {
		case body := <-c.closeFrame:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		default:
		}
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.ID).Msg("Write failed")
				return
			}

			// Batch everything already queued behind the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Str("client_id", c.ID).Msg("Write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.ID).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.ID).Msg("Ping failed")
				return
			}
		}
	}
}
