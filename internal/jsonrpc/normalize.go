package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NormalizeResponse coerces an arbitrary backend payload into a well-formed
// JSON-RPC response carrying the given request id.
//
// Rules:
//   - jsonrpc is forced to "2.0" regardless of what the payload claims
//   - the original request id always wins over whatever id the payload carries
//   - a payload with neither result nor error is wrapped whole as the result
func NormalizeResponse(payload []byte, id *RequestID) (*Response, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return NewResultResponse(id, nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		// Non-object payloads (arrays, scalars) become the result verbatim.
		var probe any
		if jerr := json.Unmarshal(trimmed, &probe); jerr != nil {
			return nil, fmt.Errorf("backend payload is not valid JSON: %w", jerr)
		}
		return &Response{JSONRPCVersion: ProtocolVersion, Result: trimmed, ID: id}, nil
	}

	result, hasResult := fields["result"]
	errField, hasError := fields["error"]

	if !hasResult && !hasError {
		return &Response{JSONRPCVersion: ProtocolVersion, Result: trimmed, ID: id}, nil
	}

	resp := &Response{JSONRPCVersion: ProtocolVersion, ID: id}
	if hasError && !isJSONNull(errField) {
		var e Error
		if err := json.Unmarshal(errField, &e); err != nil {
			return nil, fmt.Errorf("backend error field is malformed: %w", err)
		}
		resp.Error = &e
		return resp, nil
	}
	if hasResult {
		resp.Result = result
	}
	return resp, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
