package defs

import "time"

const (
	StatusOK    = "ok"
	StatusError = "error"

	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// QueryResult is the outcome of one query against the query server.
// Fields missing from the server's payload decode as empty text and false.
type QueryResult struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

type ExecuteRequest struct {
	Code   string `json:"code"`
	Silent bool   `json:"silent"`
}

type ExecuteReply struct {
	Status          string         `json:"status"`
	ExecutionCount  int            `json:"execution_count"`
	Payload         []any          `json:"payload"`
	UserExpressions map[string]any `json:"user_expressions"`
}

type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DisplayData is a MIME bundle, e.g. {"image/png": "<base64>"}, with
// per-MIME metadata such as {"image/png": {"width": 640, "height": 480}}.
type DisplayData struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Mimetype      string `json:"mimetype"`
	FileExtension string `json:"file_extension"`
}

type KernelInfo struct {
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageVersion       string       `json:"language_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

// ServerStatus describes the supervised query server without exposing its credentials
type ServerStatus struct {
	State     string     `json:"state"`
	Alive     bool       `json:"alive"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	ProcessId int        `json:"processId,omitempty"`
	Host      string     `json:"host,omitempty"`
	Port      int        `json:"port,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}
