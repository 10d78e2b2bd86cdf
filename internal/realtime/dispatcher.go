package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/insforge/insforge/internal/webhooks"
)

const (
	notifyChannel = "realtime_message"

	reconnectBase        = 5 * time.Second
	maxReconnectAttempts = 10
)

// Dispatcher bridges committed messages to their audiences. It holds one
// dedicated connection on LISTEN realtime_message; each notification carries
// a message id, which it resolves against the store and fans out to the
// hub's room and the channel's webhook URLs.
type Dispatcher struct {
	pool    *pgxpool.Pool
	store   *Store
	hub     *Hub
	webhook *webhooks.Sender
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDispatcher(pool *pgxpool.Pool, store *Store, hub *Hub, webhook *webhooks.Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		store:   store,
		hub:     hub,
		webhook: webhook,
		logger:  logger,
	}
}

// Start begins listening in the background. Calling it twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop tears down the listen loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	d.cancel()
	<-d.done
	d.started = false
}

// run owns the LISTEN connection. A lost connection is retried with
// exponential backoff; after maxReconnectAttempts consecutive failures the
// loop gives up so a broken database does not spin forever.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	attempts := 0
	for {
		if err := d.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if attempts > maxReconnectAttempts {
				d.logger.Error("realtime listener giving up", "attempts", attempts-1, "error", err)
				return
			}
			delay := reconnectBase << (attempts - 1)
			d.logger.Warn("realtime listener reconnecting",
				"attempt", attempts, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		return
	}
}

func (d *Dispatcher) listen(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// Hijack so the LISTEN session never returns to the pool mid-stream.
	raw := conn.Hijack()
	defer raw.Close(context.Background())

	if _, err := raw.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	d.logger.Info("realtime listener started", "channel", notifyChannel)

	for {
		notification, err := raw.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		d.dispatch(ctx, notification.Payload)
	}
}

// dispatch resolves one message id and delivers it. Failures are logged and
// swallowed so one bad message never kills the listen loop.
func (d *Dispatcher) dispatch(ctx context.Context, messageID string) {
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		d.logger.Error("load realtime message", "message", messageID, "error", err)
		return
	}
	if msg == nil {
		d.logger.Warn("notification for unknown message", "message", messageID)
		return
	}
	channel, err := d.store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		d.logger.Error("load realtime channel", "channel", msg.ChannelID, "error", err)
		return
	}
	if channel == nil || !channel.Enabled {
		return
	}

	meta := Meta{
		Channel:    msg.ChannelName,
		MessageID:  msg.ID,
		SenderType: msg.SenderType,
		Timestamp:  msg.CreatedAt,
	}
	if msg.SenderID != nil {
		meta.SenderID = *msg.SenderID
	}

	room := RoomName(msg.ChannelName)
	wsAudience := d.hub.RoomSize(room)
	d.hub.BroadcastToRoom(room, msg.EventName, msg.Payload, meta)

	whAudience := len(channel.WebhookURLs)
	whDelivered := 0
	if whAudience > 0 {
		results := d.webhook.SendToAll(ctx, channel.WebhookURLs, webhooks.Event{
			MessageID: msg.ID,
			Channel:   msg.ChannelName,
			EventName: msg.EventName,
			Payload:   msg.Payload,
		})
		for _, r := range results {
			if r.Success {
				whDelivered++
			}
		}
	}

	if err := d.store.UpdateDeliveryCounts(ctx, msg.ID, wsAudience, whAudience, whDelivered); err != nil {
		d.logger.Error("record delivery counts", "message", msg.ID, "error", err)
	}
}
