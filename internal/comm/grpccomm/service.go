package grpccomm

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Iron-Ham/parallelmc/internal/comm"
	"github.com/Iron-Ham/parallelmc/internal/errors"
)

// ServiceName is the fully qualified gRPC service hosted by the coordinator.
const ServiceName = "parallelmc.collective.v1.Collective"

const (
	arriveMethod = "/" + ServiceName + "/Arrive"
	abortMethod  = "/" + ServiceName + "/Abort"
)

// collectiveServer is the server side of the Collective service. Requests and
// responses are structpb.Struct messages so no generated code is needed.
type collectiveServer interface {
	Arrive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Abort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*collectiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Arrive", Handler: arriveHandler},
		{MethodName: "Abort", Handler: abortHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "parallelmc/collective/v1/collective.proto",
}

func arriveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveServer).Arrive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: arriveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(collectiveServer).Arrive(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func abortHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: abortMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(collectiveServer).Abort(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// rendezvousServer serves worker arrivals against the coordinator's
// in-memory rendezvous.
type rendezvousServer struct {
	rv *comm.Rendezvous
}

func (s *rendezvousServer) Arrive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a, err := decodeArrival(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if a.size != s.rv.Size() {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d believes the group has %d ranks, coordinator has %d", a.rank, a.size, s.rv.Size())
	}
	if a.rank == comm.CoordinatorRank {
		return nil, status.Error(codes.InvalidArgument, "the coordinator does not arrive over the network")
	}

	res, err := s.rv.Arrive(ctx, a.kind, a.seq, a.rank, a.value)
	if err != nil {
		return nil, toStatus(err)
	}

	// Workers only ever see their own seed and never see reduction results.
	switch a.kind {
	case comm.KindScatter:
		res = comm.Value{Seeds: []int64{res.Seeds[a.rank]}}
	case comm.KindReduceInt, comm.KindReduceFloat:
		res = comm.Value{Op: res.Op}
	}
	return encodeValue(res), nil
}

func (s *rendezvousServer) Abort(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	rank := int(fields["rank"].GetNumberValue())
	cause := fields["cause"].GetStringValue()
	s.rv.Abort(fmt.Errorf("rank %d: %s", rank, cause))
	return &structpb.Struct{}, nil
}

// toStatus maps collective failures onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, errors.ErrGroupAborted):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, errors.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus turns an RPC failure back into the package's error vocabulary.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(errors.ErrTransport, err.Error())
	}
	switch st.Code() {
	case codes.Aborted:
		return abortedError(st.Message())
	case codes.InvalidArgument, codes.FailedPrecondition:
		return errors.NewValidationError(st.Message())
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return errors.Wrap(errors.ErrTransport, fmt.Sprintf("%s: %s", st.Code(), st.Message()))
	}
}

// abortedError rebuilds the abort error from a status message, which already
// starts with the ErrGroupAborted text.
func abortedError(msg string) error {
	prefix := errors.ErrGroupAborted.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		msg = msg[len(prefix):]
	} else if msg == errors.ErrGroupAborted.Error() {
		return errors.ErrGroupAborted
	}
	return fmt.Errorf("%w: %s", errors.ErrGroupAborted, msg)
}

type arrival struct {
	kind  comm.Kind
	seq   uint64
	rank  int
	size  int
	value comm.Value
}

// Integers travel as decimal strings; structpb numbers are float64 and would
// lose precision above 2^53.
func encodeArrival(a arrival) *structpb.Struct {
	s := encodeValue(a.value)
	s.Fields["kind"] = structpb.NewStringValue(string(a.kind))
	s.Fields["seq"] = structpb.NewStringValue(strconv.FormatUint(a.seq, 10))
	s.Fields["rank"] = structpb.NewNumberValue(float64(a.rank))
	s.Fields["size"] = structpb.NewNumberValue(float64(a.size))
	return s
}

func decodeArrival(s *structpb.Struct) (arrival, error) {
	fields := s.GetFields()
	seq, err := strconv.ParseUint(fields["seq"].GetStringValue(), 10, 64)
	if err != nil {
		return arrival{}, fmt.Errorf("bad sequence number: %w", err)
	}
	v, err := decodeValue(s)
	if err != nil {
		return arrival{}, err
	}
	a := arrival{
		kind:  comm.Kind(fields["kind"].GetStringValue()),
		seq:   seq,
		rank:  int(fields["rank"].GetNumberValue()),
		size:  int(fields["size"].GetNumberValue()),
		value: v,
	}
	if a.kind == "" {
		return arrival{}, fmt.Errorf("missing collective kind")
	}
	return a, nil
}

func encodeValue(v comm.Value) *structpb.Struct {
	seeds := make([]*structpb.Value, len(v.Seeds))
	for i, s := range v.Seeds {
		seeds[i] = structpb.NewStringValue(strconv.FormatInt(s, 10))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"op":    structpb.NewNumberValue(float64(v.Op)),
		"int":   structpb.NewStringValue(strconv.FormatInt(v.Int, 10)),
		"float": structpb.NewNumberValue(v.Float),
		"seeds": structpb.NewListValue(&structpb.ListValue{Values: seeds}),
	}}
}

func decodeValue(s *structpb.Struct) (comm.Value, error) {
	fields := s.GetFields()
	v := comm.Value{
		Op:    comm.Op(fields["op"].GetNumberValue()),
		Float: fields["float"].GetNumberValue(),
	}
	if raw := fields["int"].GetStringValue(); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return comm.Value{}, fmt.Errorf("bad integer payload: %w", err)
		}
		v.Int = n
	}
	for _, item := range fields["seeds"].GetListValue().GetValues() {
		n, err := strconv.ParseInt(item.GetStringValue(), 10, 64)
		if err != nil {
			return comm.Value{}, fmt.Errorf("bad seed payload: %w", err)
		}
		v.Seeds = append(v.Seeds, n)
	}
	return v, nil
}
