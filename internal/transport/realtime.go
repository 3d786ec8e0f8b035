package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// SubscribeChanges implements Client. It dials the change-feed
// WebSocket scoped to the user and runs a read loop until the
// subscription is torn down or the channel fails.
//
// onError fires at most once; after it the subscription is dead and the
// caller must re-subscribe (the orchestrator schedules that).
func (c *HTTPClient) SubscribeChanges(ctx context.Context, userID string, onEvent func(ChangeEvent), onError func(error)) (Unsubscribe, error) {
	wsURL := websocketURL(c.baseURL) + "/v1/changes/ws?user_id=" + userID

	opts := &websocket.DialOptions{HTTPClient: c.http}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, &TransientError{Op: "subscribe changes", Err: err}
	}
	if resp != nil {
		c.observeServerTime(resp)
	}

	subCtx, cancel := context.WithCancel(ctx)

	var closeOnce sync.Once
	unsubscribe := func() {
		closeOnce.Do(func() {
			cancel()
			_ = conn.Close(websocket.StatusNormalClosure, "unsubscribed")
		})
	}

	go c.readChanges(subCtx, conn, onEvent, func(err error) {
		// A failure after a deliberate unsubscribe is just the read
		// loop unwinding; don't report it.
		select {
		case <-subCtx.Done():
			return
		default:
		}
		unsubscribe()
		if onError != nil {
			onError(err)
		}
	})

	return unsubscribe, nil
}

// readChanges is the subscription read loop.
func (c *HTTPClient) readChanges(ctx context.Context, conn *websocket.Conn, onEvent func(ChangeEvent), onFailure func(error)) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			onFailure(&TransientError{Op: "read change event", Err: err})
			return
		}

		var event ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Printf("Dropping malformed change event: %v", err)
			continue
		}
		if event.Type != EventInsert && event.Type != EventUpdate && event.Type != EventDelete {
			c.logger.Printf("Dropping change event with unknown type %q", event.Type)
			continue
		}

		onEvent(event)
	}
}

// websocketURL rewrites an http(s) base URL to its ws(s) equivalent.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
