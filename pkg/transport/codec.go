package transport

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's global codec registry so both the
// client (via grpc.ForceCodec) and the server (via grpc.ForceServerCodec)
// can exchange plain Go structs without a .proto/protoc step: the wire
// framing of the peer transport is out of scope for the core, and gob
// gives a real, if unglamorous, substitute for a generated marshaller.
const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }
