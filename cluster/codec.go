package cluster

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodec is the wire codec for the cluster transport's Frame messages.
// The transport carries plain Go structs (TaskRequest/TaskResult/
// TopicMessage), not protobuf messages, so the codec is registered with
// grpc under the name "gob": a server selects it from the request's
// content-subtype, and a client selects it with
// grpc.CallContentSubtype("gob") — see DESIGN.md for why no
// protobuf-generated stubs are used here.
type gobCodec struct{}

func init() {
	encoding.RegisterCodec(gobCodec{})
}

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

func (gobCodec) Name() string {
	return "gob"
}
