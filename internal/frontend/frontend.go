// Package frontend is the broker's client-facing edge: it upgrades HTTP
// connections to websockets, decodes each binary message as a
// wire.Envelope carrying a client-to-broker multi-part message, and
// funnels every connection's parsed request onto one shared channel so
// a single goroutine performs the frame-count check and enqueue,
// matching cillow's ROUTER socket being read from exactly one place
// (server/__init__.py's run() loop). Responses are written back
// per-connection under a write mutex, since gorilla/websocket forbids
// concurrent writers on one connection.
package frontend

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/internal/reqqueue"
	"github.com/synacktraa/cillow/internal/wire"
)

// ClientIDHeader is the header a client may set to choose its own id.
// Falls back to the client_id query parameter, then to a generated id.
const ClientIDHeader = "X-Cillow-Client-Id"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundMessage is one client-to-broker envelope paired with the
// connection it arrived on, queued for the single logical reader.
type inboundMessage struct {
	clientID string
	envelope wire.Envelope
	conn     *connection
}

// connection wraps a websocket with a write mutex, since only one
// goroutine may call WriteMessage on a *websocket.Conn at a time.
type connection struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *connection) writeEnvelope(parts ...[]byte) error {
	data, err := wire.EncodeEnvelope(parts...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Frontend owns the connect endpoint and the single goroutine that turns
// inbound envelopes into queued requests.
type Frontend struct {
	queue   *reqqueue.Queue
	log     zerolog.Logger
	inbound chan inboundMessage
}

// New builds a Frontend that enqueues onto queue.
func New(queue *reqqueue.Queue, log zerolog.Logger) *Frontend {
	return &Frontend{
		queue:   queue,
		log:     log,
		inbound: make(chan inboundMessage, 64),
	}
}

// RegisterRoutes mounts the connect endpoint on e.
func (f *Frontend) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/connect", f.connect)
}

// Run drains the inbound channel until ctx is done. Exactly one call to
// Run should be made per Frontend: this is the "single reader" goroutine
// that performs the frame-count check and enqueue for every connection.
func (f *Frontend) Run(ctx context.Context) {
	for {
		select {
		case msg := <-f.inbound:
			f.handleEnvelope(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (f *Frontend) connect(c echo.Context) error {
	clientID := c.Request().Header.Get(ClientIDHeader)
	if clientID == "" {
		clientID = c.QueryParam("client_id")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn := &connection{ws: ws}
	defer ws.Close()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			f.log.Debug().Str("client_id", clientID).Err(err).Msg("connection closed")
			return nil
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			f.log.Warn().Str("client_id", clientID).Err(err).Msg("malformed envelope")
			continue
		}

		select {
		case f.inbound <- inboundMessage{clientID: clientID, envelope: env, conn: conn}:
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// handleEnvelope validates the client-to-broker frame count (identity,
// delimiter, body: 3 parts), decodes the request, and enqueues it. A
// full queue or a malformed request is reported straight back to the
// client instead of being queued.
func (f *Frontend) handleEnvelope(msg inboundMessage) {
	if len(msg.envelope.Parts) != 3 {
		f.respondException(msg.conn, msg.clientID, "Invalid number of frames received")
		return
	}

	req, err := wire.DecodeRequest(msg.envelope.Parts[2])
	if err != nil {
		f.respondException(msg.conn, msg.clientID, err.Error())
		return
	}

	item := reqqueue.Item{
		ClientID: msg.clientID,
		Request:  req,
		Respond:  f.respondFunc(msg.conn, msg.clientID),
	}
	if err := f.queue.TryPut(item); err != nil {
		f.respondException(msg.conn, msg.clientID, err.Error())
	}
}

// respondFunc builds the broker-to-client 4-part envelope writer for one
// client: [clientID, delimiter, tag, body]. Per §4.1, a request_exception
// body is the raw UTF-8 error message, not a msgpack-encoded frame; every
// other tag carries the serialized ResponseFrame.
func (f *Frontend) respondFunc(conn *connection, clientID string) func(tag wire.Tag, frame *wire.ResponseFrame) {
	return func(tag wire.Tag, frame *wire.ResponseFrame) {
		var body []byte
		switch {
		case frame == nil:
			// empty body
		case tag == wire.TagRequestException:
			body = []byte(exceptionText(frame))
		default:
			encoded, err := wire.Encode(*frame)
			if err != nil {
				f.log.Error().Err(err).Msg("encode response frame")
				return
			}
			body = encoded
		}
		if err := conn.writeEnvelope([]byte(clientID), nil, []byte(tag), body); err != nil {
			f.log.Debug().Str("client_id", clientID).Err(err).Msg("write response")
		}
	}
}

// exceptionText extracts the human-readable message a request_exception
// frame carries. The dispatcher always builds these as Stream frames;
// the fallback covers any caller that hands respondFunc something else.
func exceptionText(frame *wire.ResponseFrame) string {
	if frame.Stream != nil {
		return frame.Stream.Text
	}
	if frame.ExceptionInfo != nil {
		return frame.ExceptionInfo.String()
	}
	return ""
}

func (f *Frontend) respondException(conn *connection, clientID, message string) {
	f.respondFunc(conn, clientID)(wire.TagRequestException, &wire.ResponseFrame{
		Kind:   wire.KindStream,
		Stream: &wire.StreamFrame{Kind: wire.StreamStderr, Text: message},
	})
}
