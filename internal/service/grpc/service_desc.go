package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса резервов.
const ServiceName = "stockhold.v1.ReservationService"

const (
	methodReserve         = "Reserve"
	methodConfirm         = "Confirm"
	methodRelease         = "Release"
	methodGetReservation  = "GetReservation"
	methodGetAvailability = "GetAvailability"
	methodListHeld        = "ListHeld"
)

// FullMethod возвращает путь метода вида /stockhold.v1.ReservationService/Reserve.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ReservationServiceServer: серверная сторона API. Запросы и ответы передаются
// как google.protobuf.Struct, схема полей описана в reservation_service.go.
type ReservationServiceServer interface {
	Reserve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Confirm(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReservation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAvailability(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListHeld(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterReservationServiceServer регистрирует реализацию на gRPC-сервере.
func RegisterReservationServiceServer(s grpc.ServiceRegistrar, srv ReservationServiceServer) {
	s.RegisterService(&ReservationServiceDesc, srv)
}

type structHandler func(ReservationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call structHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReservationServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ReservationServiceDesc описывает сервис без шага кодогенерации.
var ReservationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodReserve, ReservationServiceServer.Reserve),
		unaryHandler(methodConfirm, ReservationServiceServer.Confirm),
		unaryHandler(methodRelease, ReservationServiceServer.Release),
		unaryHandler(methodGetReservation, ReservationServiceServer.GetReservation),
		unaryHandler(methodGetAvailability, ReservationServiceServer.GetAvailability),
		unaryHandler(methodListHeld, ReservationServiceServer.ListHeld),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stockhold/v1/reservation_service.proto",
}

// ReservationServiceClient: клиент API для loadtest и тестов.
type ReservationServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewReservationServiceClient создаёт клиента поверх соединения.
func NewReservationServiceClient(cc grpc.ClientConnInterface) *ReservationServiceClient {
	return &ReservationServiceClient{cc: cc}
}

func (c *ReservationServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationServiceClient) Reserve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodReserve, in, opts...)
}

func (c *ReservationServiceClient) Confirm(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodConfirm, in, opts...)
}

func (c *ReservationServiceClient) Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodRelease, in, opts...)
}

func (c *ReservationServiceClient) GetReservation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetReservation, in, opts...)
}

func (c *ReservationServiceClient) GetAvailability(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetAvailability, in, opts...)
}

func (c *ReservationServiceClient) ListHeld(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodListHeld, in, opts...)
}
