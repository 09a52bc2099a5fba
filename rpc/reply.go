package rpc

import (
	"encoding/json"
	"fmt"
)

// StatusCode is the outcome a node reports for one action.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusAborted
	StatusUnknownAction
	StatusMissingData
	StatusInvalidData
	StatusUnknownError
)

var statusNames = [...]string{"ok", "aborted", "unknown_action", "missing_data", "invalid_data", "unknown_error"}

func (s StatusCode) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status_%d", int(s))
}

// Request is the body of an RPC request.
type Request struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// Reply is the body of an RPC reply.
type Reply struct {
	StatusCode StatusCode     `json:"statuscode"`
	StatusMsg  string         `json:"statusmsg"`
	Data       map[string]any `json:"data"`
}

// NewReply returns a successful reply.
func NewReply() *Reply {
	return &Reply{StatusCode: StatusOK, StatusMsg: "OK", Data: make(map[string]any)}
}

// Fail sets a failure status.
func (r *Reply) Fail(code StatusCode, msg string) {
	r.StatusCode = code
	r.StatusMsg = msg
}

// Result is one node's answer as seen by the caller.
type Result struct {
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Sender     string         `json:"sender"`
	StatusCode StatusCode     `json:"statuscode"`
	StatusMsg  string         `json:"statusmsg"`
	Data       map[string]any `json:"data"`
}

// OK reports whether the node succeeded.
func (r Result) OK() bool {
	return r.StatusCode == StatusOK
}

// String renders the result as one JSON line.
func (r Result) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%s: %s", r.Sender, r.StatusMsg)
	}
	return string(data)
}
