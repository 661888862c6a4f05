// Package nbi exposes the handover engine to external callers: a gRPC
// HandoverService carrying google.protobuf.Struct messages and a small HTTP
// surface for health, metrics, sessions and visualization payloads.
package nbi

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/orchestrator"
	"github.com/signalsfoundry/leo-handover/model"
)

// HandoverServiceName is the fully qualified gRPC service name.
const HandoverServiceName = "handover.v1.HandoverService"

// Full method names.
const (
	SubmitMeasurementMethod = "/" + HandoverServiceName + "/SubmitMeasurement"
	IngestSampleMethod      = "/" + HandoverServiceName + "/IngestSample"
	GetSessionMethod        = "/" + HandoverServiceName + "/GetSession"
	GetVisualizationMethod  = "/" + HandoverServiceName + "/GetVisualization"
	GetStatusMethod         = "/" + HandoverServiceName + "/GetStatus"
)

// Engine is the part of the orchestrator the NBI serves.
type Engine interface {
	SubmitMeasurement(ctx context.Context, terminalID string, m model.RawMeasurement) error
	Session(terminalID string) (model.HandoverSession, bool)
	Visualization(terminalID string) (model.VisualizationPayload, bool)
	Status() orchestrator.Status
}

// SampleStore accepts orbital telemetry.
type SampleStore interface {
	Ingest(s model.OrbitalSample) error
	Len() int
}

// HandoverServiceServer is implemented by HandoverService.
type HandoverServiceServer interface {
	SubmitMeasurement(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IngestSample(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVisualization(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handoverCall func(HandoverServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handoverHandler(fullMethod string, call handoverCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HandoverServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(HandoverServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// HandoverServiceDesc describes the handover service.
var HandoverServiceDesc = grpc.ServiceDesc{
	ServiceName: HandoverServiceName,
	HandlerType: (*HandoverServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitMeasurement", Handler: handoverHandler(SubmitMeasurementMethod, HandoverServiceServer.SubmitMeasurement)},
		{MethodName: "IngestSample", Handler: handoverHandler(IngestSampleMethod, HandoverServiceServer.IngestSample)},
		{MethodName: "GetSession", Handler: handoverHandler(GetSessionMethod, HandoverServiceServer.GetSession)},
		{MethodName: "GetVisualization", Handler: handoverHandler(GetVisualizationMethod, HandoverServiceServer.GetVisualization)},
		{MethodName: "GetStatus", Handler: handoverHandler(GetStatusMethod, HandoverServiceServer.GetStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "handover/v1/handover.proto",
}

// RegisterHandoverServiceServer registers srv on s.
func RegisterHandoverServiceServer(s grpc.ServiceRegistrar, srv HandoverServiceServer) {
	s.RegisterService(&HandoverServiceDesc, srv)
}

// HandoverService implements HandoverServiceServer on top of an Engine and
// a SampleStore.
type HandoverService struct {
	engine  Engine
	samples SampleStore
	log     logging.Logger
}

// NewHandoverService constructs a HandoverService.
func NewHandoverService(engine Engine, samples SampleStore, log logging.Logger) *HandoverService {
	if log == nil {
		log = logging.Noop()
	}
	return &HandoverService{engine: engine, samples: samples, log: log}
}

// measurementRequest is the wire form of SubmitMeasurement.
type measurementRequest struct {
	model.RawMeasurement
}

// SubmitMeasurement classifies one measurement report. The reply carries
// the terminal's current session, if any.
func (s *HandoverService) SubmitMeasurement(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req measurementRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	if req.TerminalID == "" {
		return nil, ToStatusError(fmt.Errorf("%w: terminal_id is required", ErrInvalidRequest))
	}
	ctx, span := startSpan(ctx, "Handover.SubmitMeasurement", req.TerminalID, attribute.String("condition_id", req.ConditionID))
	defer span.End()
	log := logging.FromContext(ctx, s.log)

	if err := s.engine.SubmitMeasurement(ctx, req.TerminalID, req.RawMeasurement); err != nil {
		log.Debug(ctx, "measurement rejected", logging.String("terminal_id", req.TerminalID), logging.Err(err))
		span.RecordError(err)
		return nil, ToStatusError(err)
	}

	reply := map[string]interface{}{"accepted": true}
	if sess, ok := s.engine.Session(req.TerminalID); ok {
		reply["session"] = sess
	}
	return encodeStruct(reply)
}

// IngestSample stores one orbital sample.
func (s *HandoverService) IngestSample(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var smp model.OrbitalSample
	if err := decodeStruct(in, &smp); err != nil {
		return nil, ToStatusError(err)
	}
	_, span := startSpan(ctx, "Handover.IngestSample", "", attribute.Int("satellite_id", int(smp.SatelliteID)))
	defer span.End()

	if err := s.samples.Ingest(smp); err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return encodeStruct(map[string]interface{}{
		"satellite_id": smp.SatelliteID,
		"pool_size":    s.samples.Len(),
	})
}

// GetSession returns the terminal's latest session.
func (s *HandoverService) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	terminalID, err := terminalArg(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	sess, ok := s.engine.Session(terminalID)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: no session for terminal %q", ErrNotFound, terminalID))
	}
	return encodeStruct(sess)
}

// GetVisualization returns the payload of the terminal's latest decision.
func (s *HandoverService) GetVisualization(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	terminalID, err := terminalArg(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	v, ok := s.engine.Visualization(terminalID)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: no decision for terminal %q", ErrNotFound, terminalID))
	}
	return encodeStruct(v)
}

// GetStatus returns orchestrator counters.
func (s *HandoverService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encodeStruct(s.engine.Status())
}

func terminalArg(in *structpb.Struct) (string, error) {
	id := in.GetFields()["terminal_id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("%w: terminal_id is required", ErrInvalidRequest)
	}
	return id, nil
}

// decodeStruct converts a Struct into v through its JSON form.
func decodeStruct(in *structpb.Struct, v interface{}) error {
	if in == nil {
		return fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// encodeStruct converts any JSON-encodable value into a Struct.
func encodeStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// HandoverClient calls a remote HandoverService.
type HandoverClient struct {
	conn grpc.ClientConnInterface
}

// NewHandoverClient wraps conn.
func NewHandoverClient(conn grpc.ClientConnInterface) *HandoverClient {
	return &HandoverClient{conn: conn}
}

func (c *HandoverClient) invoke(ctx context.Context, method string, req, reply interface{}) error {
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return decodeStruct(out, reply)
}

// SubmitMeasurement sends m for terminalID.
func (c *HandoverClient) SubmitMeasurement(ctx context.Context, terminalID string, m model.RawMeasurement) error {
	m.TerminalID = terminalID
	return c.invoke(ctx, SubmitMeasurementMethod, measurementRequest{m}, nil)
}

// IngestSample sends one orbital sample.
func (c *HandoverClient) IngestSample(ctx context.Context, s model.OrbitalSample) error {
	return c.invoke(ctx, IngestSampleMethod, s, nil)
}

// Session fetches the terminal's latest session.
func (c *HandoverClient) Session(ctx context.Context, terminalID string) (model.HandoverSession, error) {
	var sess model.HandoverSession
	err := c.invoke(ctx, GetSessionMethod, map[string]string{"terminal_id": terminalID}, &sess)
	return sess, err
}

// Visualization fetches the terminal's latest visualization payload.
func (c *HandoverClient) Visualization(ctx context.Context, terminalID string) (model.VisualizationPayload, error) {
	var v model.VisualizationPayload
	err := c.invoke(ctx, GetVisualizationMethod, map[string]string{"terminal_id": terminalID}, &v)
	return v, err
}

// Status fetches orchestrator counters.
func (c *HandoverClient) Status(ctx context.Context) (orchestrator.Status, error) {
	var st orchestrator.Status
	err := c.invoke(ctx, GetStatusMethod, map[string]string{}, &st)
	return st, err
}
