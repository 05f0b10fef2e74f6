// Package session implements the notebook-facing websocket channel: JSON
// envelopes in, execution events and replies out.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	helpers "github.com/joerpyter/go-joerpyter/pkg/shared"
	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/kernel"
)

const (
	sendBufferSize    = 100
	executeBufferSize = 32
	writeWait         = 10 * time.Second
)

// Kernel is the part of kernel.Kernel a session drives
type Kernel interface {
	Execute(ctx context.Context, req defs.ExecuteRequest, em kernel.Emitter) defs.ExecuteReply
	Shutdown() error
	Info() defs.KernelInfo
}

type Session struct {
	Id        string
	Kernel    Kernel
	WebSocket *websocket.Conn
	Logger    *slog.Logger
	// OnShutdown runs after a shutdown request has been answered
	OnShutdown func(restart bool)

	clientSendChan chan outgoing
	executeChan    chan defs.Message
	sendDone       chan struct{}
	executorDone   chan struct{}
	cancel         context.CancelFunc
}

// The kernel binds to loopback and is reached through the notebook server's proxy
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades each request to a notebook channel driving k. Executions
// run under ctx, so they end with the server.
func Handler(ctx context.Context, k Kernel, logger *slog.Logger, onShutdown func(restart bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Websocket upgrade failed", "error", err)
			return
		}

		s := &Session{
			Kernel:     k,
			WebSocket:  conn,
			OnShutdown: onShutdown,
		}
		s.Id = uuid.NewString()
		s.Logger = logger.With("session", s.Id)
		s.Logger.Info("Client connected", "remote", r.RemoteAddr)
		s.Serve(ctx)
		s.Logger.Info("Client disconnected")
	}
}

// outgoing is one encoded message; flushed, if set, is closed once the
// writer is done with it
type outgoing struct {
	data    []byte
	flushed chan struct{}
}

type handlerFunc func(*Session, defs.Message) error

var handlerMap = map[string]handlerFunc{
	defs.MsgExecuteRequest:    (*Session).queueExecute,
	defs.MsgKernelInfoRequest: (*Session).handleKernelInfo,
	defs.MsgShutdownRequest:   (*Session).handleShutdown,
}

func (s *Session) logger() *slog.Logger {
	if s.Logger == nil {
		return helpers.NopLogger()
	}
	return s.Logger
}

// HandleConnection starts the writer and executor goroutines. Execution
// contexts derive from ctx.
func (s *Session) HandleConnection(ctx context.Context) {
	if s.Id == "" {
		s.Id = uuid.NewString()
	}
	s.clientSendChan = make(chan outgoing, sendBufferSize)
	s.executeChan = make(chan defs.Message, executeBufferSize)
	s.sendDone = make(chan struct{})
	s.executorDone = make(chan struct{})

	ctx, s.cancel = context.WithCancel(ctx)
	go s.sendHandler()
	go s.executor(ctx)
}

// Serve reads messages until the client goes away. Shutdown requests are
// handled on the reading goroutine so they overtake queued executions.
func (s *Session) Serve(ctx context.Context) {
	s.HandleConnection(ctx)
	defer s.HandleDisconnect()

	for {
		messageType, message, err := s.WebSocket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger().Debug("Error reading message", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			s.logger().Debug("Ignoring non-text message")
			continue
		}
		if err := s.HandleMessage(message); err != nil {
			s.logger().Warn("Failed to handle message", "error", err)
			s.sendError(nil, err)
		}
	}
}

// HandleMessage validates and dispatches one raw message
func (s *Session) HandleMessage(raw []byte) error {
	if err := ValidateMessage(raw); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	var msg defs.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	handler, ok := handlerMap[msg.Header.MsgType]
	if !ok {
		return fmt.Errorf("unsupported message type %q", msg.Header.MsgType)
	}
	if err := handler(s, msg); err != nil {
		return fmt.Errorf("error handling %s: %w", msg.Header.MsgType, err)
	}
	return nil
}

// HandleDisconnect stops the executor, then the writer. A running execution
// is abandoned through its context.
func (s *Session) HandleDisconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.executeChan != nil {
		close(s.executeChan)
		<-s.executorDone
	}
	if s.clientSendChan != nil {
		close(s.clientSendChan)
		<-s.sendDone
	}
	helpers.CloseOrLog(s.WebSocket)
}

func (s *Session) sendHandler() {
	defer close(s.sendDone)
	failed := false
	for msg := range s.clientSendChan {
		if !failed {
			_ = s.WebSocket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.WebSocket.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				s.logger().Warn("Failed to send message to client", "error", err)
				failed = true
			}
		}
		if msg.flushed != nil {
			close(msg.flushed)
		}
	}
}

func (s *Session) executor(ctx context.Context) {
	defer close(s.executorDone)

	for msg := range s.executeChan {
		// Leftover requests are dropped once the client is gone
		if ctx.Err() != nil {
			continue
		}
		s.runExecute(ctx, msg)
	}
}

// send wraps content in an envelope and queues it for the writer
func (s *Session) send(msgType string, parent *defs.Header, content any) {
	s.enqueue(msgType, parent, content, nil)
}

// sendAndFlush is send, returning once the writer has written the message
// or given up on it
func (s *Session) sendAndFlush(msgType string, parent *defs.Header, content any) {
	flushed := make(chan struct{})
	if !s.enqueue(msgType, parent, content, flushed) {
		return
	}
	select {
	case <-flushed:
	case <-time.After(writeWait):
		s.logger().Warn("Timed out flushing message", "msg_type", msgType)
	}
}

func (s *Session) enqueue(msgType string, parent *defs.Header, content any, flushed chan struct{}) bool {
	body, err := json.Marshal(content)
	if err != nil {
		s.logger().Error("Failed to marshal content", "msg_type", msgType, "error", err)
		return false
	}
	msg := defs.Message{
		Header: defs.Header{
			MsgId:   uuid.NewString(),
			MsgType: msgType,
			Session: s.Id,
			Date:    time.Now().UTC().Format(time.RFC3339Nano),
		},
		ParentHeader: parent,
		Content:      body,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger().Error("Failed to marshal message", "msg_type", msgType, "error", err)
		return false
	}
	s.clientSendChan <- outgoing{data: data, flushed: flushed}
	return true
}

func (s *Session) sendStatus(parent *defs.Header, state string) {
	s.send(defs.MsgStatus, parent, defs.KernelStatus{ExecutionState: state})
}

func (s *Session) sendError(parent *defs.Header, err error) {
	s.send(defs.MsgError, parent, defs.ErrorContent{Msg: err.Error()})
}
