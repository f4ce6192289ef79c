// Package coord is the advisory coordination layer: a registry of active
// agent sessions and a ledger of which session is editing which file.
// Claims are single-writer-wins hints, not locks.
package coord

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/events"
	"github.com/fyrsmithlabs/learnd/internal/learning"
)

var (
	// ActiveSessions is the size of the last active-session listing per project.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "learnd",
			Subsystem: "coord",
			Name:      "active_sessions",
			Help:      "Active sessions seen by the last listing, by project",
		},
		[]string{"project"},
	)

	// ClaimConflicts counts claims that replaced another session's claim.
	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "learnd",
			Subsystem: "coord",
			Name:      "claim_conflicts_total",
			Help:      "File claims taken over from a different session",
		},
	)
)

// SessionContext identifies the calling session. It is built once per
// process, or per request on the HTTP surface, and passed explicitly.
type SessionContext struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project"`
}

// NewSessionContext builds the process identity from configuration. An
// empty id is replaced by a fresh uuid.
func NewSessionContext(cfg config.SessionConfig) SessionContext {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.New().String()
	}
	return SessionContext{SessionID: id, Project: strings.TrimSpace(cfg.Project)}
}

// Validate checks that both identity fields are set.
func (sc SessionContext) Validate() error {
	if sc.SessionID == "" {
		return fmt.Errorf("%w: session id is required", learning.ErrInvalidQuery)
	}
	if sc.Project == "" {
		return fmt.Errorf("%w: project is required", learning.ErrInvalidQuery)
	}
	return nil
}

// Config configures the registry and ledger.
type Config struct {
	ActivityWindow time.Duration
	Timeout        time.Duration
}

// ConfigFrom converts the loaded configuration.
func ConfigFrom(c config.CoordConfig) Config {
	return Config{ActivityWindow: c.ActivityWindow.Duration(), Timeout: c.Timeout.Duration()}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
}

// Option customizes a Registry or Ledger.
type Option func(*options)

type options struct {
	now       func() time.Time
	publisher events.Publisher
	logger    *zap.Logger
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPublisher sends coordination events to p.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		now:       func() time.Time { return time.Now().UTC() },
		publisher: events.Nop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.publisher == nil {
		o.publisher = events.Nop{}
	}
	return o
}

// CleanPath normalizes a claimed file path.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: file path is required", learning.ErrInvalidQuery)
	}
	return filepath.Clean(p), nil
}

func projectLabel(project string) string {
	if project == "" {
		return "all"
	}
	return project
}
