package grpcserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestStructCodecWritesProtobufStruct(t *testing.T) {
	t.Parallel()
	codec := StructCodec{}
	request := &GrantRequest{UserID: "user-1", Amount: 250, BucketType: "bonus", ExpiryDays: 30, ExternalRef: "promo-1"}

	data, err := codec.Marshal(request)
	require.NoError(t, err)

	var wire structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &wire))
	fields := wire.GetFields()
	assert.Equal(t, "user-1", fields["user_id"].GetStringValue())
	assert.Equal(t, 250.0, fields["amount"].GetNumberValue())
	assert.Equal(t, "bonus", fields["bucket_type"].GetStringValue())

	var decoded GrantRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, *request, decoded)
}

func TestStructCodecReadsClientBuiltStruct(t *testing.T) {
	t.Parallel()
	wire, err := structpb.NewStruct(map[string]any{
		"transactions": []any{
			map[string]any{"transaction_id": "txn-1", "amount": -30, "related_bucket_ids": []any{"b-1", "b-2"}},
		},
	})
	require.NoError(t, err)
	data, err := proto.Marshal(wire)
	require.NoError(t, err)

	var response HistoryResponse
	require.NoError(t, StructCodec{}.Unmarshal(data, &response))
	require.Len(t, response.Transactions, 1)
	assert.Equal(t, "txn-1", response.Transactions[0].TransactionID)
	assert.Equal(t, int64(-30), response.Transactions[0].Amount)
	assert.Equal(t, []string{"b-1", "b-2"}, response.Transactions[0].RelatedBucketIDs)

	passthrough, err := StructCodec{}.Marshal(wire)
	require.NoError(t, err)
	var roundTripped structpb.Struct
	require.NoError(t, proto.Unmarshal(passthrough, &roundTripped))
	assert.True(t, proto.Equal(wire, &roundTripped))
	assert.Error(t, StructCodec{}.Unmarshal([]byte{0xff}, &response))
}
