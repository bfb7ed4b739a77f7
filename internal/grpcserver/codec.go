package grpcserver

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// CodecName is the content-subtype the ledger service speaks.
const CodecName = "proto"

// StructCodec puts ledger messages on the wire as a google.protobuf.Struct keyed by their json field names.
// Generated protobuf messages pass through unchanged.
type StructCodec struct{}

func (StructCodec) Marshal(value any) ([]byte, error) {
	if message, ok := value.(proto.Message); ok {
		return proto.Marshal(message)
	}
	fields, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", value, err)
	}
	var wire structpb.Struct
	if err := protojson.Unmarshal(fields, &wire); err != nil {
		return nil, fmt.Errorf("encode %T: %w", value, err)
	}
	return proto.Marshal(&wire)
}

func (StructCodec) Unmarshal(data []byte, value any) error {
	if message, ok := value.(proto.Message); ok {
		return proto.Unmarshal(data, message)
	}
	var wire structpb.Struct
	if err := proto.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode %T: %w", value, err)
	}
	fields, err := protojson.Marshal(&wire)
	if err != nil {
		return fmt.Errorf("decode %T: %w", value, err)
	}
	return json.Unmarshal(fields, value)
}

func (StructCodec) Name() string {
	return CodecName
}
