package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// PeerTransport is the collaborator that carries the engine's operations to
// the sync endpoint and feeds network signals back in. The engine itself
// never does I/O; everything below calls into the engine's mutation methods.
//
// frames are JSON with a type tag. This is deliberately not a wire protocol
// contract; the endpoint and the client only need to agree on the tags.

const (
	FrameTypeAuth      = "auth"
	FrameTypeOperation = "operation"
	FrameTypeAck       = "ack"
	FrameTypePing      = "ping"
	FrameTypePong      = "pong"
	FrameTypePresence  = "presence"
	FrameTypeCursor    = "cursor"
	FrameTypeJoin      = "join"
	FrameTypeLeave     = "leave"
)

type Frame struct {
	Type string `json:"type"`

	Auth      *AuthFrame     `json:"auth,omitempty"`
	Operation *Operation     `json:"operation,omitempty"`
	Ack       *AckFrame      `json:"ack,omitempty"`
	Ping      *PingFrame     `json:"ping,omitempty"`
	Presence  *PresenceFrame `json:"presence,omitempty"`
	Cursor    *CursorFrame   `json:"cursor,omitempty"`
	Join      *JoinFrame     `json:"join,omitempty"`
	Leave     *LeaveFrame    `json:"leave,omitempty"`
}

type AuthFrame struct {
	ByJwt string `json:"by_jwt"`
}

type AckFrame struct {
	OperationId Id          `json:"operation_id"`
	VectorClock VectorClock `json:"vector_clock,omitempty"`
}

type PingFrame struct {
	SendTime uint64 `json:"send_time"`
}

type PresenceFrame struct {
	UserId   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	Viewport *Viewport      `json:"viewport,omitempty"`
}

type CursorFrame struct {
	UserId string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	NodeId string  `json:"node_id,omitempty"`
}

type JoinFrame struct {
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarUrl   string `json:"avatar_url,omitempty"`
}

type LeaveFrame struct {
	UserId string `json:"user_id"`
}

var transportLog = LogFn(LogLevelInfo, "transport")
var flushLog = SubLogFn(LogLevelDebug, transportLog, "flush")

func DefaultPeerTransportSettings() *PeerTransportSettings {
	return &PeerTransportSettings{
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		PingInterval:        5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
	}
}

type PeerTransportSettings struct {
	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
}

type PeerTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	byJwt      string
	manager    *SyncStateManager

	settings *PeerTransportSettings

	// gorilla allows one concurrent writer per connection
	writeLock sync.Mutex
}

func NewPeerTransportWithDefaults(
	ctx context.Context,
	connectUrl string,
	byJwt string,
	manager *SyncStateManager,
) *PeerTransport {
	return NewPeerTransport(ctx, connectUrl, byJwt, manager, DefaultPeerTransportSettings())
}

func NewPeerTransport(
	ctx context.Context,
	connectUrl string,
	byJwt string,
	manager *SyncStateManager,
	settings *PeerTransportSettings,
) *PeerTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PeerTransport{
		ctx:        cancelCtx,
		cancel:     cancel,
		connectUrl: connectUrl,
		byJwt:      byJwt,
		manager:    manager,
		settings:   settings,
	}

	go transport.run()

	return transport
}

func (self *PeerTransport) run() {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectMinTimeout
	reconnect.MaxInterval = self.settings.ReconnectMaxTimeout
	// retry until canceled
	reconnect.MaxElapsedTime = 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws, err := self.connect()
		if err != nil {
			retryCount := self.manager.IncrementConnectionRetryCount()
			self.manager.RecordError(err, "transport")
			timeout := reconnect.NextBackOff()
			transportLog("connect failed (attempt %d), next in %s: %s", retryCount, timeout, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(timeout):
			}
			continue
		}

		reconnect.Reset()
		self.manager.SetConnected(true)
		self.runConnection(ws)
		self.manager.SetConnected(false)
	}
}

func (self *PeerTransport) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.connectUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	// the auth frame must be the first message on the connection
	authFrame := &Frame{
		Type: FrameTypeAuth,
		Auth: &AuthFrame{
			ByJwt: self.byJwt,
		},
	}
	authBytes, err := json.Marshal(authFrame)
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Time{})

	success = true
	return ws, nil
}

// runConnection blocks until the connection is torn down
func (self *PeerTransport) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// write
	go func() {
		defer handleCancel()

		pingTicker := time.NewTicker(self.settings.PingInterval)
		defer pingTicker.Stop()
		flushTicker := time.NewTicker(self.manager.GetState().AutoSyncInterval)
		defer flushTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-pingTicker.C:
				frame := &Frame{
					Type: FrameTypePing,
					Ping: &PingFrame{
						SendTime: uint64(time.Now().UnixMilli()),
					},
				}
				if err := self.write(ws, frame); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					return
				}
			case <-flushTicker.C:
				if !self.flushPendingOperations(ws) {
					return
				}
			}
		}
	}()

	// read
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage:
			self.manager.AddMessageMetrics(ByteCount(len(message)))

			var frame Frame
			if err := json.Unmarshal(message, &frame); err != nil {
				self.manager.RecordError(fmt.Errorf("bad frame: %w", err), "transport")
				continue
			}
			if err := self.handleFrame(ws, &frame); err != nil {
				return
			}
		}
	}
}

func (self *PeerTransport) handleFrame(ws *websocket.Conn, frame *Frame) error {
	switch frame.Type {
	case FrameTypePong:
		if frame.Ping != nil {
			sendTime := time.UnixMilli(int64(frame.Ping.SendTime))
			self.manager.AddPingSample(time.Since(sendTime))
		}
	case FrameTypePing:
		if frame.Ping != nil {
			pong := &Frame{
				Type: FrameTypePong,
				Ping: frame.Ping,
			}
			return self.write(ws, pong)
		}
	case FrameTypeAck:
		if frame.Ack != nil {
			self.manager.AcknowledgeOperation(frame.Ack.OperationId)
			if frame.Ack.VectorClock != nil {
				self.manager.MergeVectorClock(frame.Ack.VectorClock)
			}
		}
	case FrameTypeOperation:
		if frame.Operation != nil {
			self.manager.ApplyRemoteOperation(frame.Operation)
		}
	case FrameTypePresence:
		if frame.Presence != nil {
			self.manager.UpdateUserPresence(frame.Presence.UserId, frame.Presence.Status, frame.Presence.Viewport)
		}
	case FrameTypeCursor:
		if frame.Cursor != nil {
			self.manager.UpdateCursorPosition(frame.Cursor.UserId, frame.Cursor.X, frame.Cursor.Y, frame.Cursor.NodeId)
		}
	case FrameTypeJoin:
		if frame.Join != nil {
			self.manager.AddUserSession(frame.Join.UserId, &UserSessionInfo{
				DisplayName: frame.Join.DisplayName,
				AvatarUrl:   frame.Join.AvatarUrl,
			})
		}
	case FrameTypeLeave:
		if frame.Leave != nil {
			self.manager.RemoveUserSession(frame.Leave.UserId)
		}
	default:
		glog.V(2).Infof("[transport]ignore frame type %s\n", frame.Type)
	}
	return nil
}

// flushPendingOperations sends every currently pending operation. A write
// failure charges the operation's retry budget and tears the connection.
func (self *PeerTransport) flushPendingOperations(ws *websocket.Conn) bool {
	pendingOperations := self.manager.GetState().PendingOperations
	if len(pendingOperations) == 0 {
		return true
	}

	self.manager.SetSyncing(true)
	defer self.manager.SetSyncing(false)

	flushLog("%d pending", len(pendingOperations))
	for _, op := range pendingOperations {
		frame := &Frame{
			Type:      FrameTypeOperation,
			Operation: op,
		}
		if err := self.write(ws, frame); err != nil {
			_, canRetry := self.manager.FailOperation(op.OperationId, err)
			if !canRetry {
				transportLog("operation %s dropped after retry budget", op.OperationId)
			}
			return false
		}
	}
	return true
}

func (self *PeerTransport) write(ws *websocket.Conn, frame *Frame) error {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		return err
	}
	self.manager.AddMessageMetrics(ByteCount(len(frameBytes)))
	return nil
}

func (self *PeerTransport) Close() {
	self.cancel()
}
