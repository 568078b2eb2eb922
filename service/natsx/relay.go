package natsx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"CProject/logger"

	"github.com/nats-io/nats.go"
)

// Room events travel on one subject per chat so gateway nodes can mirror
// each other's fanout.
const roomSubjectPrefix = "chat.room."

type Config struct {
	Servers       []string      `mapstructure:"servers"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Relay bridges room events between gateway nodes over core NATS.
// Delivery is at-most-once: a missed relay frame is recovered by the
// client's next page read, so JetStream persistence is not needed here.
type Relay struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewRelay(cfg Config) (*Relay, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), connectOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	return &Relay{nc: nc}, nil
}

// connectOptions builds the connection settings. NoEcho is load-bearing:
// the relay publishes and subscribes on the same connection, and without it
// the server would hand every published frame straight back, duplicating
// each event for the publishing node's own clients.
func connectOptions(cfg Config) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[natsx] disconnected: err=%v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[natsx] reconnected: url=%s", nc.ConnectedUrl())
		}),
	}
}

// PublishRoom mirrors one room payload to the other nodes.
func (r *Relay) PublishRoom(chatID int64, payload []byte) error {
	return r.nc.Publish(roomSubjectPrefix+strconv.FormatInt(chatID, 10), payload)
}

// SubscribeRooms feeds relayed payloads into fn. Subscribe once at boot.
func (r *Relay) SubscribeRooms(fn func(chatID int64, payload []byte)) error {
	sub, err := r.nc.Subscribe(roomSubjectPrefix+"*", func(m *nats.Msg) {
		raw := strings.TrimPrefix(m.Subject, roomSubjectPrefix)
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logger.Warnf("[natsx] bad room subject: %s", m.Subject)
			return
		}
		fn(chatID, m.Data)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	if r.nc != nil {
		_ = r.nc.Drain()
	}
}
