package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"copy_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Stream is one WebSocket connection. Next must be called from a single
// goroutine; writes are safe from any.
type Stream struct {
	conn *websocket.Conn

	writeMu     sync.Mutex
	closeOnce   sync.Once
	readTimeout time.Duration
}

func (c *Client) Dial(ctx context.Context, readTimeout time.Duration) (*Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, errors.Wrapf(models.ErrConnectionLost, "dial %s: %v", c.wsURL, err)
	}
	return &Stream{conn: conn, readTimeout: readTimeout}, nil
}

func (s *Stream) SubscribeFills(user string, aggregate bool) error {
	return s.write(wsRequest{
		Method: "subscribe",
		Subscription: &wsSubscription{
			Type:            "userFills",
			User:            strings.ToLower(user),
			AggregateByTime: aggregate,
		},
	})
}

func (s *Stream) Unsubscribe(user string, aggregate bool) error {
	return s.write(wsRequest{
		Method: "unsubscribe",
		Subscription: &wsSubscription{
			Type:            "userFills",
			User:            strings.ToLower(user),
			AggregateByTime: aggregate,
		},
	})
}

func (s *Stream) Ping() error {
	return s.write(wsRequest{Method: "ping"})
}

func (s *Stream) write(msg wsRequest) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal ws request")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(models.ErrConnectionLost, "write %s: %v", msg.Method, err)
	}
	return nil
}

// Next blocks until a userFills frame arrives. Pongs and subscription acks
// are consumed silently. A frame that cannot be parsed returns
// ErrMalformedEvent and the stream stays usable; read failures return
// ErrConnectionLost.
func (s *Stream) Next() (models.FillBatch, error) {
	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return models.FillBatch{}, errors.Wrapf(models.ErrConnectionLost, "read: %v", err)
		}

		var msg wsMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return models.FillBatch{}, errors.Wrapf(models.ErrMalformedEvent, "frame: %v", err)
		}

		switch msg.Channel {
		case "userFills":
			return parseUserFills(msg.Data)
		case "error":
			return models.FillBatch{}, errors.Wrapf(models.ErrConnectionLost, "server error: %s", truncate(msg.Data, 256))
		default:
			// pong, subscriptionResponse and channels we did not ask for
			continue
		}
	}
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func parseUserFills(data []byte) (models.FillBatch, error) {
	var d userFillsData
	if err := sonic.Unmarshal(data, &d); err != nil {
		return models.FillBatch{}, errors.Wrapf(models.ErrMalformedEvent, "userFills: %v", err)
	}

	batch := models.FillBatch{
		User:     d.User,
		Snapshot: d.IsSnapshot,
		Fills:    make([]models.FillEvent, 0, len(d.Fills)),
	}
	for _, f := range d.Fills {
		ev, ok := toFillEvent(f)
		if !ok {
			batch.Dropped++
			continue
		}
		batch.Fills = append(batch.Fills, ev)
	}
	return batch, nil
}

func toFillEvent(f wireFill) (models.FillEvent, bool) {
	side := models.Side(f.Side)
	if f.Coin == "" || !side.Valid() || !f.Sz.IsPositive() || !f.Px.IsPositive() {
		return models.FillEvent{}, false
	}
	return models.FillEvent{
		Asset:         f.Coin,
		Price:         f.Px,
		Size:          f.Sz,
		Side:          side,
		StartPosition: f.StartPosition,
		Dir:           f.Dir,
		ClosedPnl:     f.ClosedPnl,
		Hash:          f.Hash,
		OrderID:       f.Oid,
		TradeID:       f.Tid,
		Time:          time.UnixMilli(f.Time),
	}, true
}
