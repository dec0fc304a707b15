package wire

import "context"

// Caller is the subset of Transport the consensus core depends on,
// so tests can substitute wiretest.LocalTransport without pulling in
// real sockets.
type Caller interface {
	Call(ctx context.Context, targetDial, targetID, msgType string, payload []byte) ([]byte, error)
}

var _ Caller = (*Transport)(nil)
