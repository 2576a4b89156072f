package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes every event as JSON on a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// DialNATS connects to url. The connection reconnects on its own; events
// emitted while disconnected are buffered by the client.
func DialNATS(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("dcmproxy-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[audit] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[audit] nats reconnected to %s", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: connect nats %s: %w", url, err)
	}
	return NewNATSSink(conn, subject), nil
}

// NewNATSSink publishes on an existing connection.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// Emit publishes ev on <subject>.<type>. The event ID travels as the
// message ID so a JetStream stream drops an event published twice.
func (s *NATSSink) Emit(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event %s: %w", ev.ID, err)
	}
	msg := nats.NewMsg(s.subject + "." + string(ev.Type))
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Data = data
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("audit: publish event %s: %w", ev.ID, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	if err := s.conn.FlushTimeout(5 * time.Second); err != nil {
		log.Printf("[audit] nats flush: %v", err)
	}
	s.conn.Close()
	return nil
}
