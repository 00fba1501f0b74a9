package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"rentaltruth-server/core"
	"rentaltruth-server/presence"
)

const DefaultSubmitTimeout = 2 * time.Second

var errMissingProperty = errors.New("property id is required")

// Presence is what the transport needs from the session handler.
type Presence interface {
	Connect(connectionID core.ConnectionID, sink presence.Sink)
	Submit(ctx context.Context, signal presence.Signal) error
	// Disconnect must not fail: it is the only way a connection is removed.
	Disconnect(connectionID core.ConnectionID)
}

// emitter is the part of a socket used to deliver events.
type emitter interface {
	Emit(event string, args ...any) error
}

// socketSink delivers presence events to one socket under their wire name.
type socketSink struct {
	socket emitter
}

func (s socketSink) Deliver(event presence.Event) error {
	return s.socket.Emit(event.Name(), event)
}

// gateway turns socket events into presence signals.
type gateway struct {
	ctx           context.Context
	presence      Presence
	submitTimeout time.Duration
	log           *logrus.Entry
}

// SetupSocketIO creates the socket.io server. ctx bounds the lifetime of
// signal submission and is usually cancelled on shutdown.
func SetupSocketIO(ctx context.Context, p Presence, allowedOrigins []string, submitTimeout time.Duration) *socketio.Server {
	if submitTimeout <= 0 {
		submitTimeout = DefaultSubmitTimeout
	}
	g := &gateway{
		ctx:           ctx,
		presence:      p,
		submitTimeout: submitTimeout,
		log:           logrus.WithField("component", "socketio"),
	}

	opts := socketio.DefaultServerOptions()
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigin(allowedOrigins),
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		g.bind(socket)
	})
	return srv
}

func (g *gateway) bind(socket *socketio.Socket) {
	me := core.ConnectionID(socket.Id())
	g.connect(me, socket)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(string(presence.SignalView), func(datas ...any) {
		g.dispatch(presence.SignalView, me, datas)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(string(presence.SignalLeave), func(datas ...any) {
		g.dispatch(presence.SignalLeave, me, datas)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("disconnect", func(datas ...any) {
		g.disconnect(me)
		socket.RemoveAllListeners("")
	})
}

func (g *gateway) connect(me core.ConnectionID, socket emitter) {
	g.presence.Connect(me, socketSink{socket: socket})
	g.log.WithField("connection_id", me).Debug("Socket connected")
}

func (g *gateway) disconnect(me core.ConnectionID) {
	g.presence.Disconnect(me)
	g.log.WithField("connection_id", me).Debug("Socket disconnected")
}

// dispatch submits a view or leave signal and answers the optional ack.
func (g *gateway) dispatch(kind presence.SignalKind, me core.ConnectionID, datas []any) {
	ack, args := extractAck(datas)
	log := g.log.WithFields(logrus.Fields{
		"connection_id": me,
		"signal":        kind,
	})

	var (
		propertyID core.PropertyID
		err        = errMissingProperty
	)
	if len(args) > 0 {
		propertyID, err = parsePropertyID(args[0])
	}
	if err == nil {
		ctx, cancel := context.WithTimeout(g.ctx, g.submitTimeout)
		err = g.presence.Submit(ctx, presence.Signal{Kind: kind, Connection: me, Property: propertyID})
		cancel()
	}

	if err != nil {
		log.WithError(err).Warn("Rejected presence signal")
	}
	if ack != nil {
		ack(err, ackPayload(propertyID, err))
	}
}

// ackPayload answers a view or leave. "accepted" means the signal was
// queued; viewer counts change once it is applied and arrive as
// viewer_count_updated.
func ackPayload(propertyID core.PropertyID, err error) map[string]any {
	if err != nil {
		return map[string]any{
			"status":   "error",
			"accepted": false,
			"error":    err.Error(),
		}
	}
	return map[string]any{
		"status":     "ok",
		"accepted":   true,
		"propertyId": string(propertyID),
	}
}

// parsePropertyID accepts the id as a string or as a JSON number.
func parsePropertyID(raw any) (core.PropertyID, error) {
	var id string
	switch v := raw.(type) {
	case string:
		id = strings.TrimSpace(v)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("invalid property id %v", v)
		}
		id = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		id = v.String()
	case int:
		id = strconv.Itoa(v)
	case int64:
		id = strconv.FormatInt(v, 10)
	case map[string]any:
		if nested, ok := v["propertyId"]; ok {
			return parsePropertyID(nested)
		}
	}
	if id == "" {
		return "", errMissingProperty
	}
	return core.PropertyID(id), nil
}

func corsOrigin(allowed []string) any {
	if len(allowed) == 0 {
		return "*"
	}
	origins := make([]any, 0, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return "*"
		}
		origins = append(origins, origin)
	}
	return origins
}
