// Package message implements the JSON-RPC 2.0 framing the HTTP
// transport speaks. The daemon never interprets request ids beyond
// validating their kind; they are kept as raw JSON and echoed back
// verbatim, which sidesteps the string-or-number dance entirely.
package message

import "encoding/json"

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// Request is one incoming JSON-RPC call. A missing ID marks a
// notification; the daemon answers those like any other call since
// every supported method produces a result.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the answer to one call. ID carries the request id bytes
// unchanged (null when the request had none).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// DecodeRequest parses one request envelope. Malformed JSON maps to
// ParseError, a well-formed body that is not a valid call to
// InvalidRequest.
func DecodeRequest(data []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Errf(ParseError, "Parse error")
	}
	if req.JSONRPC != Version {
		return nil, Errf(InvalidRequest, "jsonrpc must be %q", Version)
	}
	if req.Method == "" {
		return nil, Errf(InvalidRequest, "missing method")
	}
	if !validID(req.ID) {
		return nil, Errf(InvalidRequest, "id must be a string or a number")
	}
	return &req, nil
}

// validID accepts an absent id, a JSON string, a JSON number, or null.
// Objects and arrays are not ids.
func validID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	switch raw[0] {
	case '"', '-', 'n':
		return true
	default:
		return raw[0] >= '0' && raw[0] <= '9'
	}
}

// Reply wraps a result value into a success response for the given id.
func Reply(id json.RawMessage, result any) (*Response, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: payload}, nil
}

// Fail wraps an error into a response for the given id.
func Fail(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}
