package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes events as JSON on <prefix>.<type>.<market>
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	log    *zap.SugaredLogger
}

// NewNATSSink connects to url; subjects are rooted at prefix (e.g. "perp.events")
func NewNATSSink(url, prefix string, log *zap.SugaredLogger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpcore"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats_disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{conn: nc, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event is published on
func (s *NATSSink) Subject(e Event) string {
	return Subject(s.prefix, e)
}

// Subject builds "<prefix>.<type>.<market>" with dots in the market stripped
func Subject(prefix string, e Event) string {
	market := strings.ReplaceAll(e.Market, ".", "_")
	if market == "" {
		market = "_"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, e.Type, market)
}

func (s *NATSSink) Publish(evs []Event) {
	for _, e := range evs {
		data, err := json.Marshal(e)
		if err != nil {
			s.log.Errorw("nats_encode_failed", "seq", e.Seq, "err", err)
			continue
		}
		if err := s.conn.Publish(s.Subject(e), data); err != nil {
			s.log.Warnw("nats_publish_failed", "seq", e.Seq, "err", err)
		}
	}
}

// Close flushes pending messages and closes the connection
func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
