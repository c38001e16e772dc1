package router

import "github.com/promptbridge/bridge/internal/jsonrpc"

// Outcome is the two-case result of handling an inbound message: either a
// response to deliver, or deliberate silence (notifications). Making silence
// explicit keeps callers from ever forwarding a nil as a real response.
type Outcome struct {
	resp *jsonrpc.Response
}

// Respond wraps a response for delivery.
func Respond(resp *jsonrpc.Response) Outcome {
	return Outcome{resp: resp}
}

// Silent is the no-response outcome.
func Silent() Outcome {
	return Outcome{}
}

// Response returns the payload and whether one exists.
func (o Outcome) Response() (*jsonrpc.Response, bool) {
	return o.resp, o.resp != nil
}
