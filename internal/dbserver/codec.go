// ABOUTME: gob-based grpc codec standing in for a protoc-generated one
// ABOUTME: registers under the "gob" content-subtype via encoding.RegisterCodec

// Package dbserver exposes dbzero's introspection surface (page store
// and allocator stats, mutation lookup, change-log replay, admin
// flush) over gRPC without a .proto pipeline. The service is wired the
// way protoc-gen-go-grpc's own output is wired underneath the
// generated code: a hand-written grpc.ServiceDesc registered directly
// against google.golang.org/grpc, with plain Go structs carried by a
// small encoding.Codec registered under the "gob" content-subtype
// instead of a proto.Message codec.
package dbserver

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/gob, so ServiceDesc handlers can exchange plain structs
// instead of proto.Message values.
type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("dbserver: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("dbserver: gob unmarshal: %w", err)
	}
	return nil
}
