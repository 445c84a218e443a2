package transport

import (
	"context"

	"google.golang.org/grpc"
)

// Full method names of the umbra services.
const (
	MethodEstablish = "/umbra.Scenario/Establish"
	MethodMeasure   = "/umbra.Monitor/Measure"
	MethodSubmit    = "/umbra.Ledger/Submit"
	MethodExecute   = "/umbra.Broker/Execute"
)

// ScenarioServer deploys and tears down an environment's topology.
type ScenarioServer interface {
	Establish(ctx context.Context, req *Workflow) (*Status, error)
}

// MonitorServer starts and stops an environment's measurement collection.
type MonitorServer interface {
	Measure(ctx context.Context, req *Directrix) (*Status, error)
}

// LedgerServer executes ledger instructions on behalf of the broker.
type LedgerServer interface {
	Submit(ctx context.Context, req *Instruction) (*Status, error)
}

// BrokerServer executes experiments.
type BrokerServer interface {
	Execute(ctx context.Context, req *Config) (*Report, error)
}

// RegisterScenarioServer registers srv on s.
func RegisterScenarioServer(s grpc.ServiceRegistrar, srv ScenarioServer) {
	s.RegisterService(&scenarioServiceDesc, srv)
}

// RegisterMonitorServer registers srv on s.
func RegisterMonitorServer(s grpc.ServiceRegistrar, srv MonitorServer) {
	s.RegisterService(&monitorServiceDesc, srv)
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&brokerServiceDesc, srv)
}

// unary adapts a typed unary method to a grpc.MethodDesc handler.
func unary[Req any, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var scenarioServiceDesc = grpc.ServiceDesc{
	ServiceName: "umbra.Scenario",
	HandlerType: (*ScenarioServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Establish",
		Handler: unary(MethodEstablish, func(srv any, ctx context.Context, req *Workflow) (*Status, error) {
			return srv.(ScenarioServer).Establish(ctx, req)
		}),
	}},
	Metadata: "umbra.proto",
}

var monitorServiceDesc = grpc.ServiceDesc{
	ServiceName: "umbra.Monitor",
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Measure",
		Handler: unary(MethodMeasure, func(srv any, ctx context.Context, req *Directrix) (*Status, error) {
			return srv.(MonitorServer).Measure(ctx, req)
		}),
	}},
	Metadata: "umbra.proto",
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: "umbra.Ledger",
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Submit",
		Handler: unary(MethodSubmit, func(srv any, ctx context.Context, req *Instruction) (*Status, error) {
			return srv.(LedgerServer).Submit(ctx, req)
		}),
	}},
	Metadata: "umbra.proto",
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: "umbra.Broker",
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler: unary(MethodExecute, func(srv any, ctx context.Context, req *Config) (*Report, error) {
			return srv.(BrokerServer).Execute(ctx, req)
		}),
	}},
	Metadata: "umbra.proto",
}
