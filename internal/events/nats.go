package events

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	Username       string
	Password       string
	Token          string
}

// NATSMirror republishes hub events on <prefix>.<session>.<type> so other
// services can observe the pipeline.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func ConnectNATS(cfg NATSConfig, log *slog.Logger) (*NATSMirror, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("no NATS url configured")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	options := []nats.Option{
		nats.Name("talkinghead"),
		nats.Timeout(timeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "talkinghead.events"
	}
	log.Info("connected to NATS", slog.String("url", cfg.URL), slog.String("prefix", prefix))
	return &NATSMirror{conn: conn, prefix: prefix, log: log}, nil
}

func (m *NATSMirror) Mirror(ev Event) {
	if m == nil || m.conn == nil {
		return
	}
	payload, err := sonic.Marshal(ev.Payload)
	if err != nil {
		m.log.Warn("encode mirrored event failed", slog.String("type", ev.Type), slog.Any("error", err))
		return
	}
	if err := m.conn.Publish(Subject(m.prefix, ev), payload); err != nil {
		m.log.Warn("publish mirrored event failed", slog.String("type", ev.Type), slog.Any("error", err))
	}
}

func (m *NATSMirror) Healthy() bool {
	return m != nil && m.conn != nil && m.conn.Status() == nats.CONNECTED
}

func (m *NATSMirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	m.log.Info("closing NATS connection")
	_ = m.conn.Drain()
	m.conn.Close()
}

// Subject builds the NATS subject for ev. Session ids are sanitised so they
// form a single subject token.
func Subject(prefix string, ev Event) string {
	return prefix + "." + subjectToken(ev.SessionID) + "." + subjectToken(ev.Type)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
