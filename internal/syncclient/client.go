package syncclient

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"taskboard/api/internal/realtime"
)

const defaultBackoff = time.Second

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token is the bearer credential presented at handshake.
	Token string
	// Cache receives invalidate-and-refetch on task events. Optional.
	Cache *QueryCache
	// OnAccessRemoved is called when a rejoin after reconnect is rejected,
	// meaning the user lost access while offline. Optional.
	OnAccessRemoved func(projectID string)
	// Backoff between reconnect attempts. Defaults to one second.
	Backoff time.Duration
}

type subscription struct {
	// generation of the connection the last join was sent on. A joined ack
	// arriving on a newer connection than the one that sent the join is
	// stale and ignored.
	generation uint64
	confirmed  bool
}

// Client maintains a websocket subscription to project rooms and reconciles
// the local cache on broadcast events. It reconnects with backoff and
// rejoins every subscribed room after each reconnect.
type Client struct {
	opts Options

	mu         sync.Mutex
	subs       map[string]*subscription
	generation uint64
	ws         *websocket.Conn
}

func New(opts Options) *Client {
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Client{
		opts: opts,
		subs: make(map[string]*subscription),
	}
}

// Run connects and serves events until ctx is cancelled, reconnecting with
// backoff on transport loss.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Printf("syncclient: connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.Backoff):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, c.opts.URL+"?token="+c.opts.Token, nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.generation++
	c.ws = ws
	rejoin := make([]string, 0, len(c.subs))
	for projectID, sub := range c.subs {
		sub.generation = c.generation
		sub.confirmed = false
		rejoin = append(rejoin, projectID)
	}
	c.mu.Unlock()

	for _, projectID := range rejoin {
		if err := c.send(ctx, realtime.Command{Type: realtime.CommandJoinProject, ProjectID: projectID}); err != nil {
			return err
		}
	}

	for {
		var event realtime.Event
		if err := wsjson.Read(ctx, ws, &event); err != nil {
			c.mu.Lock()
			c.ws = nil
			for _, sub := range c.subs {
				sub.confirmed = false
			}
			c.mu.Unlock()
			return err
		}
		c.handleEvent(ctx, event)
	}
}

// Subscribe joins a project room. Safe to call before the client connects;
// the join is sent on the next (re)connect.
func (c *Client) Subscribe(ctx context.Context, projectID string) error {
	c.mu.Lock()
	sub, ok := c.subs[projectID]
	if !ok {
		sub = &subscription{}
		c.subs[projectID] = sub
	}
	sub.generation = c.generation
	sub.confirmed = false
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, realtime.Command{Type: realtime.CommandJoinProject, ProjectID: projectID})
}

// Unsubscribe leaves a project room and forgets the subscription. Any
// in-flight join ack for it is discarded when it arrives.
func (c *Client) Unsubscribe(ctx context.Context, projectID string) error {
	c.mu.Lock()
	delete(c.subs, projectID)
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, realtime.Command{Type: realtime.CommandLeaveProject, ProjectID: projectID})
}

// Subscribed reports whether the project's join has been confirmed on the
// current connection.
func (c *Client) Subscribed(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[projectID]
	return ok && sub.confirmed && sub.generation == c.generation
}

func (c *Client) send(ctx context.Context, cmd realtime.Command) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, ws, cmd)
}

func (c *Client) handleEvent(ctx context.Context, event realtime.Event) {
	switch event.Type {
	case realtime.EventJoined:
		c.mu.Lock()
		sub, ok := c.subs[event.ProjectID]
		if ok && sub.generation == c.generation {
			sub.confirmed = true
		}
		c.mu.Unlock()

	case realtime.EventJoinRejected:
		c.mu.Lock()
		delete(c.subs, event.ProjectID)
		c.mu.Unlock()
		if c.opts.OnAccessRemoved != nil {
			c.opts.OnAccessRemoved(event.ProjectID)
		}

	case realtime.EventTaskCreated, realtime.EventTaskUpdated, realtime.EventTaskDeleted:
		c.reconcile(ctx, event.ProjectID)

	case realtime.EventError:
		log.Printf("syncclient: server error: %s", event.Message)
	}
}

// reconcile treats a broadcast as an invalidation signal: the task list and
// the project record are marked stale and refetched, never patched in place.
func (c *Client) reconcile(ctx context.Context, projectID string) {
	if c.opts.Cache == nil {
		return
	}
	keys := []string{Key("tasks", projectID), Key("project", projectID)}
	c.opts.Cache.Invalidate(keys...)
	if err := c.opts.Cache.Refetch(ctx, keys...); err != nil {
		log.Printf("syncclient: refetch for project %s: %v", projectID, err)
	}
}
