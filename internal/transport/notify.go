package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Notification is a change notification sent by the server.
type Notification struct {
	Tables []string `json:"tables"`
}

// Notifier listens to the server's change notifications and reconnects with
// exponential backoff.
type Notifier struct {
	c        *Client
	onChange func(tables []string)
	dialer   *websocket.Dialer

	// MinBackoff and MaxBackoff bound the delay between reconnections.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Notifier returns a notifier calling onChange with the names of the tables
// that changed. After a reconnection onChange is called with nil since
// notifications may have been missed.
func (c *Client) Notifier(onChange func(tables []string)) *Notifier {
	return &Notifier{
		c:          c,
		onChange:   onChange,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

func (n *Notifier) url() string {
	u := *n.c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/notify"
	return u.String()
}

// Run listens until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	backoff := n.MinBackoff
	connected := false
	for {
		err := n.listen(ctx, func() {
			if connected {
				n.onChange(nil)
			}
			connected = true
			backoff = n.MinBackoff
		})
		if ctx.Err() != nil {
			return nil
		}
		n.c.log.Warn("Notification stream lost", "err", err, "retry", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, n.MaxBackoff)
	}
}

func (n *Notifier) listen(ctx context.Context, onConnect func()) error {
	h := http.Header{}
	if n.c.ts != nil {
		tok, err := n.c.ts.Token()
		if err != nil {
			return err
		}
		h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}
	conn, _, err := n.dialer.DialContext(ctx, n.url(), h)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	n.c.log.Debug("Listening for changes")
	onConnect()
	for {
		var msg Notification
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if len(msg.Tables) != 0 {
			n.onChange(msg.Tables)
		}
	}
}
