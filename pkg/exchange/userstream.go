package exchange

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// UserStream listens to the venue's order-update websocket and forwards
// updates to a handler. On reconnect it invokes the resync hook so the
// executor can run a reconciliation sweep over anything missed while the
// stream was down.
type UserStream struct {
	URL      string
	OnUpdate func(OrderUpdate)
	OnResync func()

	stopChan chan struct{}
}

func NewUserStream(url string, onUpdate func(OrderUpdate), onResync func()) *UserStream {
	return &UserStream{
		URL:      url,
		OnUpdate: onUpdate,
		OnResync: onResync,
		stopChan: make(chan struct{}),
	}
}

// Start begins listening. It logs errors and reconnects with backoff rather
// than returning them; order state correctness never depends on the stream
// (reconciliation is the authority), it only lowers latency.
func (s *UserStream) Start(ctx context.Context) {
	if s.URL == "" || s.OnUpdate == nil {
		log.Println("user stream: not configured; skipping")
		return
	}

	go func() {
		delay := time.Second
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			default:
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, nil)
			if err != nil {
				log.Printf("user stream: dial error: %v (retrying in %v)", err, delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				if delay < 30*time.Second {
					delay *= 2
				}
				continue
			}
			delay = time.Second

			if !first && s.OnResync != nil {
				s.OnResync()
			}
			first = false
			log.Printf("✓ user stream connected: %s", s.URL)

			s.readLoop(ctx, conn)
			conn.Close()
		}
	}()
}

func (s *UserStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-s.stopChan:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("user stream: read error: %v", err)
			return
		}
		var update OrderUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			log.Printf("user stream: bad payload (skipping): %v", err)
			continue
		}
		s.OnUpdate(update)
	}
}

// Stop terminates the stream.
func (s *UserStream) Stop() {
	close(s.stopChan)
}
