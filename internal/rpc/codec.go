// Package rpc bridges the strategy framework to an out-of-process worker
// over gRPC. No generated protobuf bindings for a worker service exist
// anywhere in this tree, and inventing fake generated code would defeat the
// point of depending on google.golang.org/grpc at all, so this package
// registers a JSON codec against grpc-go's own codec extension point
// (google.golang.org/grpc/encoding) and calls a hand-declared unary method
// through grpc.ClientConn.Invoke instead of protoc-generated stubs.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec using
// encoding/json instead of protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ContentSubtype is passed to grpc.CallContentSubtype to select the JSON
// codec for a single call.
func ContentSubtype() string {
	return jsonCodecName
}

// method builds the fully-qualified gRPC method path for the worker
// service, matching the "/package.Service/Method" convention generated
// code would otherwise produce.
func method(name string) string {
	return fmt.Sprintf("/bookrunner.worker.StrategyWorker/%s", name)
}
