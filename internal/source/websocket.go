package source

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/recivo/notifyd/internal/notify"
)

// WebSocketConfig holds WebSocket source settings.
type WebSocketConfig struct {
	// URL is the subscription endpoint (ws:// or wss://).
	URL string

	// ProbeTimeout bounds the availability probe dial.
	ProbeTimeout time.Duration

	// Buffer is the event channel capacity.
	Buffer int
}

// WebSocketSource subscribes to the live event push channel over a
// WebSocket. The first frame sent after dialing is the subscription
// filter; every following server frame is one change event.
type WebSocketSource struct {
	cfg    WebSocketConfig
	logger *zap.Logger
}

// NewWebSocketSource creates a WebSocket-backed source.
func NewWebSocketSource(cfg WebSocketConfig, logger *zap.Logger) *WebSocketSource {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &WebSocketSource{cfg: cfg, logger: logger}
}

// Probe dials and immediately closes a connection.
func (s *WebSocketSource) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", s.cfg.URL, err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "probe")
	return nil
}

// Subscribe dials the endpoint, sends the filter, and streams events until
// the connection drops or unsubscribe is called.
func (s *WebSocketSource) Subscribe(ctx context.Context, filter notify.Filter) (<-chan notify.Event, func(), error) {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	if err := wsjson.Write(ctx, conn, filter); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, nil, fmt.Errorf("send subscription filter: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	events := make(chan notify.Event, s.cfg.Buffer)

	go func() {
		defer close(events)
		for {
			var frame wireEvent
			if err := wsjson.Read(readCtx, conn, &frame); err != nil {
				if readCtx.Err() == nil {
					s.logger.Warn("websocket read failed", zap.Error(err))
				}
				return
			}

			kind, ok := notify.ParseEventKind(frame.Kind)
			if !ok {
				s.logger.Warn("frame with unknown event kind dropped",
					zap.String("kind", frame.Kind),
				)
				continue
			}

			select {
			case events <- notify.Event{Kind: kind, Record: frame.Record, ReceivedAt: time.Now()}:
			case <-readCtx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	}

	s.logger.Info("websocket subscription established",
		zap.String("url", s.cfg.URL),
	)
	return events, unsubscribe, nil
}
