package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/oire/internal/interaction"
)

// Client is a Backend speaking to a Server over one websocket.
//
// Several local subscriptions for the same (item, kind) share one server
// subscription. Safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan message
	subs    map[interaction.Key]*keySubs
	latest  map[interaction.Key]interaction.Snapshot
	closed  bool
	done    chan struct{}
}

// keySubs is the local fan-out for one server subscription. ready closes
// once the server has answered the subscribe; err holds its failure.
type keySubs struct {
	members map[*Subscription]struct{}
	ready   chan struct{}
	err     error
}

// Dial connects to a Server's websocket endpoint, e.g. ws://host:8080/v1/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan message),
		subs:    make(map[interaction.Key]*keySubs),
		latest:  make(map[interaction.Key]interaction.Snapshot),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				slog.Debug("backend read ended", "error", err)
			}
			return
		}

		switch msg.Op {
		case opAck, opError:
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				reply <- msg
			}

		case opSnapshot:
			if msg.Snapshot == nil {
				continue
			}
			snap := *msg.Snapshot
			key := interaction.Key{ItemID: snap.ItemID, Kind: snap.Kind}
			c.mu.Lock()
			if ks, ok := c.subs[key]; ok {
				c.latest[key] = snap
				for sub := range ks.members {
					sub.offer(snap)
				}
			}
			c.mu.Unlock()

		default:
			slog.Debug("backend sent unknown op", "op", msg.Op)
		}
	}
}

// call sends a request and waits for its ack.
func (c *Client) call(ctx context.Context, msg message) (message, error) {
	reply := make(chan message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return message{}, ErrClosed
	}
	c.nextID++
	msg.ID = c.nextID
	c.pending[msg.ID] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(msg.ID)
		return message{}, fmt.Errorf("send %s: %w", msg.Op, err)
	}

	select {
	case resp := <-reply:
		if resp.Op == opError {
			return resp, fmt.Errorf("remote %s: %s", msg.Op, resp.Error)
		}
		return resp, nil
	case <-c.done:
		return message{}, ErrClosed
	case <-ctx.Done():
		c.forget(msg.ID)
		return message{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SetInteraction implements Backend.
func (c *Client) SetInteraction(ctx context.Context, req WriteRequest) (bool, error) {
	resp, err := c.call(ctx, message{Op: opWrite, Write: &req})
	if err != nil {
		return false, err
	}
	return resp.Active, nil
}

// Subscribe implements Backend.
//
// The local subscription is registered under the same lock that decides
// whether a server subscribe is needed, so a concurrent release never sees
// the key as unused while a new subscriber is joining.
func (c *Client) Subscribe(ctx context.Context, itemID string, kind interaction.Kind) (*Subscription, error) {
	key := interaction.Key{ItemID: itemID, Kind: kind}

	var sub *Subscription
	sub = newSubscription(func() { c.release(key, sub) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ks, ok := c.subs[key]
	first := !ok
	if first {
		ks = &keySubs{members: make(map[*Subscription]struct{}), ready: make(chan struct{})}
		c.subs[key] = ks
	}
	ks.members[sub] = struct{}{}
	if snap, ok := c.latest[key]; ok {
		sub.offer(snap)
	}
	c.mu.Unlock()

	if first {
		_, err := c.call(ctx, message{Op: opSubscribe, ItemID: itemID, Kind: kind})
		c.mu.Lock()
		ks.err = err
		close(ks.ready)
		if err != nil && c.subs[key] == ks {
			// Later subscribers start over instead of joining a failed key.
			delete(c.subs, key)
			delete(c.latest, key)
			if !c.closed {
				// The server may have subscribed before ctx ended.
				c.unsubscribeLocked(key)
			} else {
				c.mu.Unlock()
			}
		} else {
			c.mu.Unlock()
		}
	}

	select {
	case <-ks.ready:
	case <-c.done:
		sub.Close()
		return nil, ErrClosed
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}
	if ks.err != nil {
		sub.Close()
		return nil, ks.err
	}
	return sub, nil
}

func (c *Client) release(key interaction.Key, sub *Subscription) {
	c.mu.Lock()
	ks, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, member := ks.members[sub]; !member {
		c.mu.Unlock()
		return
	}
	delete(ks.members, sub)
	if len(ks.members) > 0 || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.subs, key)
	delete(c.latest, key)
	c.unsubscribeLocked(key)
}

// unsubscribeLocked sends an unsubscribe for key and releases c.mu. The
// write lock is taken before mu is dropped, so a Subscribe that finds the
// key gone writes its subscribe after this unsubscribe. The server's ack is
// not awaited.
func (c *Client) unsubscribeLocked(key interaction.Key) {
	c.writeMu.Lock()
	c.mu.Unlock()
	err := c.conn.WriteJSON(message{Op: opUnsubscribe, ItemID: key.ItemID, Kind: key.Kind})
	c.writeMu.Unlock()
	if err != nil {
		slog.Debug("unsubscribe failed", "key", key.String(), "error", err)
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection and every subscription.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var all []*Subscription
	for _, ks := range c.subs {
		for sub := range ks.members {
			all = append(all, sub)
		}
	}
	c.pending = make(map[uint64]chan message)
	c.mu.Unlock()

	close(c.done)
	for _, sub := range all {
		sub.Close()
	}
}
