// Package group implements RobotGroup coordination (spec §4.6): shared
// working-memory membership across robots with active/passive roles, and a
// PubSubChannel that fans out working-memory events to the group's members
// over Postgres LISTEN/NOTIFY.
//
// PubSubChannel is grounded on evalgo-org-eve/db/listener.go's dedicated-
// connection listen loop with reconnect-on-error, adapted from its
// free-form StateEvent payload to the spec's fixed {event, node_id,
// robot_id, timestamp} shape; the fan-out-to-registered-handlers idiom also
// mirrors the teacher's interfaces/websocket/hub.go broadcast loop.
package group

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// EventKind names a working-memory change broadcast on a group's channel.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventEvicted EventKind = "evicted"
	EventCleared EventKind = "cleared"
)

// Notification is the decoded payload of one channel message.
type Notification struct {
	Event     EventKind `json:"event"`
	NodeID    string    `json:"node_id,omitempty"`
	RobotID   string    `json:"robot_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler reacts to a received Notification.
type Handler func(Notification)

var unsafeChannelChars = regexp.MustCompile(`[^a-z0-9_]+`)

func sanitizeChannelName(groupName string) string {
	lower := strings.ToLower(groupName)
	sanitized := unsafeChannelChars.ReplaceAllString(lower, "_")
	return "htm_wm_" + strings.Trim(sanitized, "_")
}

// PubSubChannel wraps a single Postgres NOTIFY channel, one per RobotGroup.
type PubSubChannel struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers []Handler

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewPubSubChannel builds a channel named htm_wm_<sanitized group name>.
func NewPubSubChannel(pool *pgxpool.Pool, groupName string, logger *zap.Logger) *PubSubChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubChannel{
		pool:    pool,
		channel: sanitizeChannelName(groupName),
		logger:  logger,
	}
}

// ChannelName returns the underlying Postgres channel name.
func (c *PubSubChannel) ChannelName() string { return c.channel }

// OnChange registers a callback invoked for every decoded notification.
func (c *PubSubChannel) OnChange(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Notify publishes {event, node_id, robot_id, timestamp} on the channel via
// pg_notify, which takes the payload as a bind parameter and so needs no
// manual escaping.
func (c *PubSubChannel) Notify(ctx context.Context, event EventKind, nodeID, robotID string) error {
	payload, err := json.Marshal(Notification{
		Event:     event,
		NodeID:    nodeID,
		RobotID:   robotID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, c.channel, string(payload))
	return err
}

// StartListening begins a background listener goroutine if not already
// running; idempotent.
func (c *PubSubChannel) StartListening() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	go c.listenLoop(ctx)
}

// StopListening stops the background listener goroutine; idempotent.
func (c *PubSubChannel) StopListening() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.cancel()
}

func (c *PubSubChannel) listenLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := c.listen(ctx); err != nil {
				c.logger.Warn("group pubsub: listen error, retrying", zap.String("channel", c.channel), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (c *PubSubChannel) listen(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN "`+c.channel+`"`); err != nil {
		return err
	}

	for {
		notif, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var n Notification
		if err := json.Unmarshal([]byte(notif.Payload), &n); err != nil {
			c.logger.Warn("group pubsub: malformed notification payload, skipping", zap.Error(err))
			continue
		}
		c.dispatch(n)
	}
}

func (c *PubSubChannel) dispatch(n Notification) {
	c.mu.RLock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
}
