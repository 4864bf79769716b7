// Package socketio provides the Socket.io agent channel.
//
// protocol.go - Engine.IO v4 / Socket.IO v5 framing
//
// This file contains:
// - The codec that turns websocket text messages into frames
// - Encoders for connect, pong and event packets
// - heartbeat, the read deadline derived from the open packet
//
// Every websocket text message is one Engine.IO packet. Message packets
// ("4") carry a Socket.IO packet, so an event looks like:
//
//	42["agent:action",{"action":"click","x":500,"y":300}]
//
// Binary attachments are not used by the agent backend and are rejected.

package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zishang520/engine.io-go-parser/packet"
	eioparser "github.com/zishang520/engine.io-go-parser/parser"
	"github.com/zishang520/engine.io-go-parser/types"
	sioparser "github.com/zishang520/socket.io-go-parser/v2/parser"
)

var (
	errEmptyFrame = errors.New("empty frame")
	errBinary     = errors.New("binary socket.io packets are not supported")

	eio = eioparser.Parserv4()
)

// openPayload is sent by the server in the Engine.IO open packet
type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// heartbeat is how long the connection may stay silent before it is
// considered dead: the server pings every pingInterval and the client
// waits pingTimeout on top of that. Zero means no deadline.
func (o openPayload) heartbeat() time.Duration {
	if o.PingInterval <= 0 {
		return 0
	}
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

// frame is a decoded inbound packet
type frame struct {
	eio       packet.Type
	sio       sioparser.PacketType // zero unless eio is a message
	namespace string
	name      string          // event name for EVENT packets
	payload   json.RawMessage // first event argument, or the packet body
}

// codec decodes the frames of one connection. It is not safe for
// concurrent use.
type codec struct {
	decoder sioparser.Decoder
	decoded *sioparser.Packet
}

func newCodec() *codec {
	c := &codec{decoder: sioparser.NewDecoder()}
	// The decoder emits synchronously from Add
	_ = c.decoder.On("decoded", func(args ...any) {
		if len(args) > 0 {
			c.decoded, _ = args[0].(*sioparser.Packet)
		}
	})
	return c
}

// decode parses one websocket text message
func (c *codec) decode(data []byte) (*frame, error) {
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	pkt, err := eio.DecodePacket(types.NewStringBufferString(string(data)))
	if err != nil {
		return nil, fmt.Errorf("engine.io packet: %w", err)
	}
	if _, ok := pkt.Data.(*types.BytesBuffer); ok {
		return nil, errBinary
	}
	body, err := readBody(pkt.Data)
	if err != nil {
		return nil, err
	}

	f := &frame{eio: pkt.Type}
	if pkt.Type != packet.MESSAGE {
		f.payload = body
		return f, nil
	}

	if len(body) == 0 {
		return nil, errors.New("empty socket.io packet")
	}
	switch sioparser.PacketType(body[0]) {
	case sioparser.BINARY_EVENT, sioparser.BINARY_ACK:
		return nil, errBinary
	}

	c.decoded = nil
	if err := c.decoder.Add(string(body)); err != nil {
		return nil, fmt.Errorf("socket.io packet: %w", err)
	}
	p := c.decoded
	if p == nil {
		return nil, errors.New("socket.io packet was not decoded")
	}
	f.sio = p.Type
	f.namespace = p.Nsp

	if p.Type != sioparser.EVENT {
		if p.Data != nil {
			if f.payload, err = json.Marshal(p.Data); err != nil {
				return nil, err
			}
		}
		return f, nil
	}

	// The decoder guarantees a non-empty array led by a string
	args, _ := p.Data.([]any)
	f.name, _ = args[0].(string)
	if len(args) > 1 {
		if f.payload, err = json.Marshal(args[1]); err != nil {
			return nil, fmt.Errorf("event %s arguments: %w", f.name, err)
		}
	}
	return f, nil
}

func readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading packet body: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

var sioEncoder = sioparser.NewEncoder()

// encodeMessage wraps a Socket.IO packet in an Engine.IO message packet
func encodeMessage(p *sioparser.Packet) ([]byte, error) {
	bufs := sioEncoder.Encode(p)
	if len(bufs) != 1 {
		return nil, errBinary
	}
	out, err := eio.EncodePacket(&packet.Packet{Type: packet.MESSAGE, Data: bufs[0]}, false)
	if err != nil {
		return nil, err
	}
	return []byte(out.String()), nil
}

// encodeConnect returns the Socket.IO connect packet for the default namespace
func encodeConnect(auth map[string]any) ([]byte, error) {
	p := &sioparser.Packet{Type: sioparser.CONNECT, Nsp: "/"}
	if len(auth) > 0 {
		p.Data = auth
	}
	return encodeMessage(p)
}

// encodeDisconnect returns the Socket.IO disconnect packet
func encodeDisconnect() []byte {
	pkt, err := encodeMessage(&sioparser.Packet{Type: sioparser.DISCONNECT, Nsp: "/"})
	if err != nil {
		return []byte("41")
	}
	return pkt
}

// encodePong answers an Engine.IO ping
func encodePong(payload []byte) []byte {
	p := &packet.Packet{Type: packet.PONG}
	if len(payload) > 0 {
		p.Data = types.NewStringBufferString(string(payload))
	}
	out, err := eio.EncodePacket(p, false)
	if err != nil {
		return append([]byte("3"), payload...)
	}
	return []byte(out.String())
}

// encodeEvent returns a Socket.IO event packet
func encodeEvent(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return encodeMessage(&sioparser.Packet{
		Type: sioparser.EVENT,
		Nsp:  "/",
		Data: []any{name, json.RawMessage(data)},
	})
}
