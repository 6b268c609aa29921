package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/untibullet/session-hub/internal/protocol"
	"go.uber.org/zap"
)

// WSOptions - параметры постоянного соединения
type WSOptions struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
}

func (o WSOptions) withDefaults() WSOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	return o
}

// wsConn реализует hub.Conn поверх gorilla/websocket. Запись ведет одна горутина
// writePump, Send только кладет событие в буфер.
type wsConn struct {
	ws     *websocket.Conn
	opts   WSOptions
	send   chan protocol.Event
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newWSConn(ws *websocket.Conn, opts WSOptions, logger *zap.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		opts:   opts,
		send:   make(chan protocol.Event, opts.SendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send не блокируется. Переполненный буфер означает, что клиент не успевает
// читать: соединение закрывается, а событие остается в очереди участника.
func (c *wsConn) Send(ev protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	default:
		c.logger.Warn("ServeWS: буфер отправки переполнен, закрываем соединение")
		c.Close()
		return false
	}
}

// Close сигнализирует writePump завершиться; сам сокет закрывает writePump
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				c.logger.Debug("ServeWS: ошибка записи", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (c *wsConn) write(ev protocol.Event) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(ev)
}

// flush дописывает уже принятые в буфер события перед закрытием
func (c *wsConn) flush() {
	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ServeWS переводит запрос на постоянное соединение и читает из него конверты
// до закрытия. Каждое сообщение обрабатывается полностью до чтения следующего.
func (h *Handler) ServeWS(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("ServeWS: ошибка установки соединения", zap.Error(err))
		return nil
	}

	conn := newWSConn(ws, h.opts, h.logger)
	go conn.writePump()

	ctx := context.WithoutCancel(c.Request().Context())
	defer func() {
		h.router.Disconnect(ctx, conn)
		conn.Close()
	}()

	h.logger.Info("ServeWS: соединение установлено", zap.String("remote", c.RealIP()))

	ws.SetReadLimit(h.opts.MaxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ServeWS: соединение разорвано", zap.Error(err))
			}
			return nil
		}
		h.router.HandleRaw(ctx, conn, data)
	}
}
