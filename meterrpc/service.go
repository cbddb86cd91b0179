// Package meterrpc exposes the balance coordinator as the gRPC service
// meter.v1.Meter and provides a matching client.
package meterrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "meter.v1.Meter"

// Full method names
const (
	ChargeMethod  = "/" + ServiceName + "/Charge"
	ResetMethod   = "/" + ServiceName + "/Reset"
	BalanceMethod = "/" + ServiceName + "/Balance"
)

// ChargeRequest carries one usage event. A nil Unit is reported as invalid input.
type ChargeRequest struct {
	ServiceType string `json:"serviceType"`
	Unit        *int64 `json:"unit"`
}

// ChargeReply mirrors balance.ChargeResult.
type ChargeReply struct {
	RemainingBalance int64 `json:"remainingBalance"`
	Charges          int64 `json:"charges"`
	IsAuthorized     bool  `json:"isAuthorized"`
}

type ResetRequest struct{}

type ResetReply struct {
	Balance int64 `json:"balance"`
}

type BalanceRequest struct{}

type BalanceReply struct {
	Balance int64 `json:"balance"`
}

// MeterServer is the server API for the Meter service.
type MeterServer interface {
	Charge(context.Context, *ChargeRequest) (*ChargeReply, error)
	Reset(context.Context, *ResetRequest) (*ResetReply, error)
	Balance(context.Context, *BalanceRequest) (*BalanceReply, error)
}

// RegisterMeterServer registers srv on s.
func RegisterMeterServer(s grpc.ServiceRegistrar, srv MeterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes meter.v1.Meter for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Charge", Handler: chargeHandler},
		{MethodName: "Reset", Handler: resetHandler},
		{MethodName: "Balance", Handler: balanceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meter/v1/meter",
}

func chargeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ChargeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeterServer).Charge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ChargeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MeterServer).Charge(ctx, req.(*ChargeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeterServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResetMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MeterServer).Reset(ctx, req.(*ResetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func balanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BalanceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeterServer).Balance(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BalanceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MeterServer).Balance(ctx, req.(*BalanceRequest))
	}
	return interceptor(ctx, in, info, handler)
}
