package server

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/instruction"
	"LendLedger/internal/ledger"
	"LendLedger/internal/query"
	"context"
	"errors"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName       = "lendledger.v1.LendingService"
	SubmitMethod      = "/" + ServiceName + "/Submit"
	GetPositionMethod = "/" + ServiceName + "/GetPosition"
)

// SubmitRequest carries one instruction, either structured (Operation and
// Amount) or as the 9-byte encoded form in Instruction.
type SubmitRequest struct {
	AccountID   string `json:"account_id"`
	RequestID   string `json:"request_id,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
	Instruction []byte `json:"instruction,omitempty"`
}

type GetPositionRequest struct {
	AccountID string `json:"account_id"`
}

// LendingServer is the server API for lendledger.v1.LendingService.
type LendingServer interface {
	Submit(context.Context, *SubmitRequest) (*event.OperationCommitted, error)
	GetPosition(context.Context, *GetPositionRequest) (*query.PositionView, error)
}

// lendingService implements LendingServer on top of the processor and the
// query service. The caller comes from the request context.
type lendingService struct {
	processor *core.Processor
	queries   *query.QueryService
}

func (s *lendingService) Submit(ctx context.Context, req *SubmitRequest) (*event.OperationCommitted, error) {
	account, err := parseAccount(req.AccountID)
	if err != nil {
		return nil, err
	}

	var requestID uuid.UUID
	if req.RequestID != "" {
		requestID, err = uuid.Parse(req.RequestID)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid request_id: %v", err)
		}
	}

	r := core.Request{
		RequestID: requestID,
		Caller:    auth.CallerFromContext(ctx),
		Account:   account,
		Payload:   req.Instruction,
	}

	var evt *event.OperationCommitted
	if len(req.Instruction) > 0 {
		evt, err = s.processor.Handle(ctx, r)
	} else {
		op, perr := instruction.ParseOperation(req.Operation)
		if perr != nil {
			return nil, toStatus(perr)
		}
		evt, err = s.processor.HandleInstruction(ctx, r, instruction.Instruction{Op: op, Amount: req.Amount})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return evt, nil
}

func (s *lendingService) GetPosition(ctx context.Context, req *GetPositionRequest) (*query.PositionView, error) {
	account, err := parseAccount(req.AccountID)
	if err != nil {
		return nil, err
	}
	if auth.CallerFromContext(ctx).IsAnonymous() {
		return nil, toStatus(auth.ErrUnauthenticated)
	}
	view, err := s.queries.GetPosition(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func parseAccount(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account_id %q", s)
	}
	return id, nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, ledger.ErrCollateralNotSufficient):
		code = codes.FailedPrecondition
	case errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, instruction.ErrMalformedInstruction):
		code = codes.InvalidArgument
	case errors.Is(err, ledger.ErrOverflow):
		code = codes.OutOfRange
	case errors.Is(err, auth.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, auth.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, core.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, ledger.ErrStorageFailure):
		code = codes.Unavailable
	case errors.Is(err, query.ErrUnavailable):
		code = codes.Unimplemented
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// LendingServiceDesc is the grpc.ServiceDesc for lendledger.v1.LendingService.
var LendingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LendingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "GetPosition", Handler: getPositionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendledger/v1/lending.proto",
}

func RegisterLendingServer(s grpc.ServiceRegistrar, srv LendingServer) {
	s.RegisterService(&LendingServiceDesc, srv)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LendingServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LendingServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getPositionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetPositionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LendingServer).GetPosition(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetPositionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LendingServer).GetPosition(ctx, req.(*GetPositionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// LendingClient calls lendledger.v1.LendingService with the JSON codec.
type LendingClient struct {
	cc grpc.ClientConnInterface
}

func NewLendingClient(cc grpc.ClientConnInterface) *LendingClient {
	return &LendingClient{cc: cc}
}

func (c *LendingClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*event.OperationCommitted, error) {
	out := new(event.OperationCommitted)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, SubmitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LendingClient) GetPosition(ctx context.Context, in *GetPositionRequest, opts ...grpc.CallOption) (*query.PositionView, error) {
	out := new(query.PositionView)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, GetPositionMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
