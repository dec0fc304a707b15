// Package wire implements the length-framed, authenticated, duplex
// TCP transport named in spec §4.4/§6: a self-describing type-tagged
// wire encoding (MsgPack, via github.com/vmihailenco/msgpack/v5)
// replaces the teacher's gob+gRPC transport, but the per-peer
// single-connection pooling and id-correlated pending-request table
// are carried over from pkg/rpc/client.go and pkg/rpc/server.go.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const maxFrameSize = 64 << 20 // 64MiB, generous ceiling against a malformed length prefix

// Kind distinguishes a request frame from its reply, plus the
// handshake frame a connection's initiator sends before its first
// request to identify itself by peer-id.
type Kind uint8

const (
	KindRequest Kind = iota
	KindReply
	KindHandshake
)

// Frame is the unit exchanged over a connection once established.
// Every Frame after the handshake carries an HMAC computed over
// (ID, Kind, Type, Body) when the cluster has a SessionKey configured
// (spec §4.4's "HMAC-SHA256 request authentication").
type Frame struct {
	ID   uint64
	Kind Kind
	Type string
	Body []byte

	// The Err* fields are set on a reply Frame to carry a wire-level
	// error (see pkg/apperr.WireError); an empty ErrCode means success.
	ErrCode string
	ErrMsg  string
	ErrTerm uint64
	ErrHint string // leader-hint address, when the error carries one

	MAC []byte
}

// writeFrame length-prefixes and msgpack-encodes f onto w.
func writeFrame(w io.Writer, f Frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("wire: frame too large (%d bytes)", len(data))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed msgpack frame from r.
func readFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err // io.EOF on clean close propagates as-is
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return Frame{}, fmt.Errorf("wire: malformed frame length %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, fmt.Errorf("wire: truncated frame: %w", err)
	}

	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	return f, nil
}
