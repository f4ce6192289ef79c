// Package events publishes coordination events so peer sessions can react
// to claims and backend changes without polling. Publishing is best-effort.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Kind names an event type. It is the last subject token.
type Kind string

const (
	KindSessionRegistered Kind = "session.registered"
	KindClaimTaken        Kind = "claim.taken"
	KindClaimConflict     Kind = "claim.conflict"
	KindBackendSwitch     Kind = "backend.switch"
)

// Event is the JSON payload of every message.
type Event struct {
	Kind            Kind      `json:"kind"`
	Project         string    `json:"project,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	FilePath        string    `json:"file_path,omitempty"`
	PreviousSession string    `json:"previous_session,omitempty"`
	From            string    `json:"from,omitempty"`
	To              string    `json:"to,omitempty"`
	At              time.Time `json:"at"`
}

// Publisher delivers events. Implementations log failures and never return
// them to the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// ProjectToken is the subject token of a project. Project names are hashed
// because they may contain dots and wildcards.
func ProjectToken(project string) string {
	if project == "" {
		return "global"
	}
	sum := sha256.Sum256([]byte(project))
	return hex.EncodeToString(sum[:8])
}

// Subject returns learnd.<project-hash>.<kind>.
func Subject(project string, kind Kind) string {
	return "learnd." + ProjectToken(project) + "." + string(kind)
}

// ProjectSubjects matches every event of project.
func ProjectSubjects(project string) string {
	return "learnd." + ProjectToken(project) + ".>"
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }

// NATS publishes events on a NATS connection.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// New connects to url, or returns Nop when url is empty.
func New(url string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	return NewNATS(url, logger)
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("learnd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	logger.Info("connected to nats", zap.String("url", url))
	return &NATS{conn: nc, logger: logger}, nil
}

// Conn exposes the connection for subscribers in the same process.
func (p *NATS) Conn() *nats.Conn { return p.conn }

func (p *NATS) Publish(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("encoding event", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	subject := Subject(e.Project, e.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publishing event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATS) Close() error {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Debug("flushing nats", zap.Error(err))
	}
	p.conn.Close()
	return nil
}

// Subscribe delivers every event of project to fn until the subscription
// is drained.
func Subscribe(nc *nats.Conn, project string, fn func(Event)) (*nats.Subscription, error) {
	return nc.Subscribe(ProjectSubjects(project), func(m *nats.Msg) {
		var e Event
		if err := json.Unmarshal(m.Data, &e); err != nil {
			return
		}
		fn(e)
	})
}
