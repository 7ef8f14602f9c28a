// Package protocol defines the wire envelopes exchanged with the record
// service and the codec that frames them.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	// EOT terminates every frame.
	EOT byte = 0x04

	// PROTOCOL_VERSION is sent in the connection handshake.
	PROTOCOL_VERSION = 1
)

const (
	versionHello   = "PROTOCOL_VERSION"
	versionAccept  = "PROTOCOL_OK"
	versionRefusal = "PROTOCOL_ERROR"
)

// Codec turns envelopes into frames and back.
type Codec interface {
	EncodeRequest(req *Request) ([]byte, error)
	Decode(data []byte) (*Response, error)

	EncodeVersionHandshake() []byte
	DecodeVersionResponse(data []byte) error
}

// JSONCodec writes one JSON document per frame. encoding/json escapes
// control characters, so an EOT byte can only appear as the terminator.
type JSONCodec struct{}

func NewCodec() Codec {
	return JSONCodec{}
}

func (JSONCodec) EncodeRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, ProtocolError("nil request", nil)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ProtocolError("cannot encode "+string(req.Op)+" request", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return append(body, EOT), nil
}

func (JSONCodec) Decode(data []byte) (*Response, error) {
	body := trimEOT(data)
	if len(body) == 0 {
		return nil, ProtocolError("empty response data", nil)
	}

	resp := new(Response)
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, ProtocolError("malformed response", map[string]interface{}{
			"error": err.Error(),
			"size":  len(body),
		})
	}
	return resp, nil
}

func (JSONCodec) EncodeVersionHandshake() []byte {
	return append([]byte(versionHello+" "+strconv.Itoa(PROTOCOL_VERSION)), EOT)
}

// DecodeVersionResponse accepts "PROTOCOL_OK <n>". A "PROTOCOL_ERROR
// <reason>" reply becomes a version mismatch carrying the reason.
func (JSONCodec) DecodeVersionResponse(data []byte) error {
	msg := string(trimEOT(data))

	switch {
	case msg == "":
		return ProtocolError("empty version response", nil)
	case strings.HasPrefix(msg, versionAccept):
		return nil
	case strings.HasPrefix(msg, versionRefusal):
		return NewTransportError(ErrorCodeProtocolVersionMismatch, "protocol version mismatch", map[string]interface{}{
			"reason":  strings.TrimSpace(strings.TrimPrefix(msg, versionRefusal)),
			"version": PROTOCOL_VERSION,
		})
	}
	return ProtocolError("unexpected version response", map[string]interface{}{
		"response": msg,
	})
}

func trimEOT(data []byte) []byte {
	return bytes.TrimSuffix(data, []byte{EOT})
}
