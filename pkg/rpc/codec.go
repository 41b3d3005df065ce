package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName identifies the wire codec on both ends
const CodecName = "freshet-gob"

// Codec encodes RPC messages with gob. The generated-protobuf surface
// of the wire protocol is produced out of band; in-tree we register a
// self-describing codec so the hand-rolled service descriptors need no
// descriptor files.
type Codec struct{}

// Marshal implements encoding.Codec
func (Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("rpc marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("rpc unmarshal: %w", err)
	}
	return nil
}

// Name implements encoding.Codec
func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
