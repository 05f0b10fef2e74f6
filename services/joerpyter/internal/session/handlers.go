package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
)

const (
	stateBusy = "busy"
	stateIdle = "idle"
)

// channelEmitter forwards execution events to the client, parented to the request
type channelEmitter struct {
	s      *Session
	parent *defs.Header
}

func (e channelEmitter) Stream(name, text string) error {
	e.s.send(defs.MsgStream, e.parent, defs.StreamContent{Name: name, Text: text})
	return nil
}

func (e channelEmitter) Display(data defs.DisplayData) error {
	e.s.send(defs.MsgDisplayData, e.parent, data)
	return nil
}

var errQueueFull = errors.New("too many queued executions")

// queueExecute never blocks, so the read loop stays free for shutdown requests
func (s *Session) queueExecute(msg defs.Message) error {
	select {
	case s.executeChan <- msg:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Session) runExecute(ctx context.Context, msg defs.Message) {
	parent := msg.Header

	var req defs.ExecuteRequest
	if err := json.Unmarshal(msg.Content, &req); err != nil {
		s.sendError(&parent, fmt.Errorf("invalid execute_request content: %w", err))
		return
	}

	s.sendStatus(&parent, stateBusy)
	reply := s.Kernel.Execute(ctx, req, channelEmitter{s: s, parent: &parent})
	s.send(defs.MsgExecuteReply, &parent, reply)
	s.sendStatus(&parent, stateIdle)
}

func (s *Session) handleKernelInfo(msg defs.Message) error {
	parent := msg.Header
	s.send(defs.MsgKernelInfoReply, &parent, s.Kernel.Info())
	return nil
}

func (s *Session) handleShutdown(msg defs.Message) error {
	parent := msg.Header

	var req defs.ShutdownRequest
	if len(msg.Content) > 0 {
		if err := json.Unmarshal(msg.Content, &req); err != nil {
			return fmt.Errorf("invalid shutdown_request content: %w", err)
		}
	}

	if err := s.Kernel.Shutdown(); err != nil {
		s.logger().Warn("Error stopping query server", "error", err)
	}
	// The reply must be on the wire before OnShutdown can end the process
	s.sendAndFlush(defs.MsgShutdownReply, &parent, req)

	if s.OnShutdown != nil {
		s.OnShutdown(req.Restart)
	}
	return nil
}
