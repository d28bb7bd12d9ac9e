package runtime

import (
	"encoding/json"
	stderrors "errors"

	"github.com/atrium-labs/atrium/pkg/errors"
)

// JSON-RPC error codes the runtime emits.
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603
	CodeServerError   = -32000
)

// errInvalidParams marks validation failures that map to -32602.
var errInvalidParams = stderrors.New("invalid params")

// RequestEnvelope is one framed JSON-RPC request.
type RequestEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ResponseEnvelope is one framed JSON-RPC response.
type ResponseEnvelope struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      any          `json:"id,omitempty"`
	Result  any          `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

// ErrorObject is the structured error carried in a response. It never holds
// token material or a stack trace.
type ErrorObject struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the machine-readable error kind.
type ErrorData struct {
	Kind string `json:"kind,omitempty"`
}

// resultEnvelope wraps a flow result for the request id.
func resultEnvelope(id, result any) *ResponseEnvelope {
	return &ResponseEnvelope{JSONRPC: "2.0", ID: id, Result: result}
}

// errorEnvelope maps an error to the wire shape: validation failures get
// -32602, typed runtime errors get -32000 with their kind, anything else is
// an internal error.
func errorEnvelope(id any, err error) *ResponseEnvelope {
	kind := errors.CodeOf(err)
	code := CodeServerError
	switch {
	case kind == errors.CodeSessionIDEmpty || kind == errors.CodeFlowNotFound:
		code = CodeInvalidParams
	case kind == "" && stderrors.Is(err, errInvalidParams):
		code = CodeInvalidParams
	case kind == "":
		code = CodeInternalError
	}

	var data *ErrorData
	if kind != "" {
		data = &ErrorData{Kind: kind}
	}
	return &ResponseEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: err.Error(), Data: data},
	}
}
