package policy

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/leo-handover/model"
)

// DecideMethod is the full gRPC method name of the decision-model service.
// Requests and replies are google.protobuf.Struct messages.
const DecideMethod = "/handover.policy.v1.DecisionModel/Decide"

// DecisionModelServer is implemented by decision-model services.
type DecisionModelServer interface {
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func decisionModelDecideHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionModelServer).Decide(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DecideMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DecisionModelServer).Decide(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// DecisionModelServiceDesc describes the decision-model service.
var DecisionModelServiceDesc = grpc.ServiceDesc{
	ServiceName: "handover.policy.v1.DecisionModel",
	HandlerType: (*DecisionModelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: decisionModelDecideHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "handover/policy/v1/decision_model.proto",
}

// RegisterDecisionModelServer registers srv on s.
func RegisterDecisionModelServer(s grpc.ServiceRegistrar, srv DecisionModelServer) {
	s.RegisterService(&DecisionModelServiceDesc, srv)
}

// GRPCModelClient is a ModelClient backed by a gRPC connection.
type GRPCModelClient struct {
	conn  grpc.ClientConnInterface
	close func() error
}

// DialModelClient connects to the decision-model service at endpoint. Extra
// dial options are appended to the defaults (insecure transport, OTel client
// stats handler).
func DialModelClient(endpoint string, opts ...grpc.DialOption) (*GRPCModelClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial decision model %s: %w", endpoint, err)
	}
	return &GRPCModelClient{conn: conn, close: conn.Close}, nil
}

// NewGRPCModelClient wraps an existing connection. Close does not close it.
func NewGRPCModelClient(conn grpc.ClientConnInterface) *GRPCModelClient {
	return &GRPCModelClient{conn: conn}
}

// Close releases the connection if the client owns it.
func (c *GRPCModelClient) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// Decide implements ModelClient.
func (c *GRPCModelClient) Decide(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	in, err := EncodeModelRequest(req)
	if err != nil {
		return ModelResponse{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, DecideMethod, in, out); err != nil {
		return ModelResponse{}, err
	}
	return DecodeModelResponse(out)
}

// EncodeModelRequest converts req into its wire form.
func EncodeModelRequest(req ModelRequest) (*structpb.Struct, error) {
	cands := make([]interface{}, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		cands = append(cands, map[string]interface{}{
			"satellite_id":  float64(c.SatelliteID),
			"score":         c.Score,
			"signal_dbm":    c.SignalDBm,
			"elevation_deg": c.ElevationDeg,
			"range_km":      c.RangeKm,
			"load_factor":   c.LoadFactor,
		})
	}
	s, err := structpb.NewStruct(map[string]interface{}{
		"terminal_id": req.TerminalID,
		"session_id":  req.SessionID,
		"algorithm":   req.Algorithm,
		"urgency":     req.Urgency,
		"stability":   req.Stability,
		"candidates":  cands,
	})
	if err != nil {
		return nil, fmt.Errorf("encode model request: %w", err)
	}
	return s, nil
}

// DecodeModelRequest is the inverse of EncodeModelRequest, for model
// services implemented in Go.
func DecodeModelRequest(s *structpb.Struct) (ModelRequest, error) {
	f := s.GetFields()
	req := ModelRequest{
		TerminalID: f["terminal_id"].GetStringValue(),
		SessionID:  f["session_id"].GetStringValue(),
		Algorithm:  f["algorithm"].GetStringValue(),
		Urgency:    f["urgency"].GetNumberValue(),
		Stability:  f["stability"].GetNumberValue(),
	}
	for i, v := range f["candidates"].GetListValue().GetValues() {
		cf := v.GetStructValue().GetFields()
		id, ok := cf["satellite_id"]
		if !ok {
			return ModelRequest{}, fmt.Errorf("decode model request: candidate %d has no satellite_id", i)
		}
		req.Candidates = append(req.Candidates, CandidateFeatures{
			SatelliteID:  model.SatelliteID(id.GetNumberValue()),
			Score:        cf["score"].GetNumberValue(),
			SignalDBm:    cf["signal_dbm"].GetNumberValue(),
			ElevationDeg: cf["elevation_deg"].GetNumberValue(),
			RangeKm:      cf["range_km"].GetNumberValue(),
			LoadFactor:   cf["load_factor"].GetNumberValue(),
		})
	}
	return req, nil
}

// EncodeModelResponse converts resp into its wire form.
func EncodeModelResponse(resp ModelResponse) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"satellite_id": float64(resp.SatelliteID),
		"confidence":   resp.Confidence,
		"algorithm":    resp.Algorithm,
	})
}

// DecodeModelResponse parses the model service's reply.
func DecodeModelResponse(s *structpb.Struct) (ModelResponse, error) {
	f := s.GetFields()
	id, ok := f["satellite_id"]
	if !ok {
		return ModelResponse{}, fmt.Errorf("decode model response: missing satellite_id")
	}
	n := id.GetNumberValue()
	if n != math.Trunc(n) || n < 0 {
		return ModelResponse{}, fmt.Errorf("decode model response: satellite_id %v is not a catalog number", n)
	}
	conf, ok := f["confidence"]
	if !ok {
		return ModelResponse{}, fmt.Errorf("decode model response: missing confidence")
	}
	return ModelResponse{
		SatelliteID: model.SatelliteID(n),
		Confidence:  conf.GetNumberValue(),
		Algorithm:   f["algorithm"].GetStringValue(),
	}, nil
}
