package web

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes updates into websocket frames
type Codec interface {
	Name() string
	MessageType() int
	Encode(v interface{}) ([]byte, error)
}

type jsonCodec struct{}

func (jsonCodec) Name() string                         { return "json" }
func (jsonCodec) MessageType() int                     { return websocket.TextMessage }
func (jsonCodec) Encode(v interface{}) ([]byte, error) { return json.Marshal(v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string     { return "msgpack" }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }
func (msgpackCodec) Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// CodecFor returns the codec named by the ?codec= query value. Anything
// other than "msgpack" selects JSON.
func CodecFor(name string) Codec {
	if name == "msgpack" {
		return msgpackCodec{}
	}
	return jsonCodec{}
}
