package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "promptledger.v1.Ledger"

// LedgerServer is the server API of promptledger.v1.Ledger.
type LedgerServer interface {
	GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
	GetHistory(ctx context.Context, request *HistoryRequest) (*HistoryResponse, error)
	Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error)
	ChargePromptRun(ctx context.Context, request *ChargePromptRunRequest) (*ChargeResponse, error)
	ChargeFlowUnlock(ctx context.Context, request *ChargeFlowUnlockRequest) (*ChargeResponse, error)
	Burn(ctx context.Context, request *BurnRequest) (*ChargeResponse, error)
}

// ServiceDesc describes promptledger.v1.Ledger for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler("GetBalance", LedgerServer.GetBalance)},
		{MethodName: "GetHistory", Handler: unaryHandler("GetHistory", LedgerServer.GetHistory)},
		{MethodName: "Grant", Handler: unaryHandler("Grant", LedgerServer.Grant)},
		{MethodName: "ChargePromptRun", Handler: unaryHandler("ChargePromptRun", LedgerServer.ChargePromptRun)},
		{MethodName: "ChargeFlowUnlock", Handler: unaryHandler("ChargeFlowUnlock", LedgerServer.ChargeFlowUnlock)},
		{MethodName: "Burn", Handler: unaryHandler("Burn", LedgerServer.Burn)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "promptledger/v1/ledger",
}

// RegisterLedgerServer registers server on registrar.
func RegisterLedgerServer(registrar grpc.ServiceRegistrar, server LedgerServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler[Request any, Response any](method string, call func(LedgerServer, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(LedgerServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(server.(LedgerServer), ctx, request.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// Client calls promptledger.v1.Ledger over a connection using the Struct codec.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Response any](ctx context.Context, client *Client, method string, request any, options []grpc.CallOption) (*Response, error) {
	response := new(Response)
	options = append([]grpc.CallOption{grpc.ForceCodec(StructCodec{})}, options...)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetBalance(ctx context.Context, request *BalanceRequest, options ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, client, "GetBalance", request, options)
}

func (client *Client) GetHistory(ctx context.Context, request *HistoryRequest, options ...grpc.CallOption) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, client, "GetHistory", request, options)
}

func (client *Client) Grant(ctx context.Context, request *GrantRequest, options ...grpc.CallOption) (*GrantResponse, error) {
	return invoke[GrantResponse](ctx, client, "Grant", request, options)
}

func (client *Client) ChargePromptRun(ctx context.Context, request *ChargePromptRunRequest, options ...grpc.CallOption) (*ChargeResponse, error) {
	return invoke[ChargeResponse](ctx, client, "ChargePromptRun", request, options)
}

func (client *Client) ChargeFlowUnlock(ctx context.Context, request *ChargeFlowUnlockRequest, options ...grpc.CallOption) (*ChargeResponse, error) {
	return invoke[ChargeResponse](ctx, client, "ChargeFlowUnlock", request, options)
}

func (client *Client) Burn(ctx context.Context, request *BurnRequest, options ...grpc.CallOption) (*ChargeResponse, error) {
	return invoke[ChargeResponse](ctx, client, "Burn", request, options)
}
