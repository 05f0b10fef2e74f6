package defs

import "encoding/json"

// Message types exchanged on the notebook channel
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
	MsgStream            = "stream"
	MsgDisplayData       = "display_data"
	MsgStatus            = "status"
	MsgError             = "error"
)

type Header struct {
	MsgId   string `json:"msg_id"`
	MsgType string `json:"msg_type"`
	Session string `json:"session,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Message is the JSON envelope used on the notebook channel.
// Content stays raw on the way in so it can be decoded per message type.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader *Header         `json:"parent_header,omitempty"`
	Content      json.RawMessage `json:"content"`
}

type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

type KernelStatus struct {
	ExecutionState string `json:"execution_state"`
}

type ErrorContent struct {
	Msg string `json:"msg"`
}

// ExecuteEvent is one out-of-band event collected during an execution
type ExecuteEvent struct {
	MsgType string `json:"msg_type"`
	Content any    `json:"content"`
}

type ExecuteResponse struct {
	Reply  ExecuteReply   `json:"reply"`
	Events []ExecuteEvent `json:"events"`
}
