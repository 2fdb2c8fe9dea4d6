package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"papertrade/internal/domain"
	"papertrade/internal/engine"
)

const streamEventsMethod = "/papertrade.Events/StreamEvents"

// eventStreamer is the server-side contract of the papertrade.Events service.
type eventStreamer interface {
	StreamEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// eventsServiceDesc describes papertrade.Events. Messages are
// google.protobuf.Struct values holding the JSON form of domain.Event, so
// no generated code is needed.
var eventsServiceDesc = grpc.ServiceDesc{
	ServiceName: "papertrade.Events",
	HandlerType: (*eventStreamer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "papertrade/events.proto",
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(eventStreamer).StreamEvents(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// EventService implements the StreamEvents gRPC endpoint.
type EventService struct {
	bus *engine.EventBus
	log *slog.Logger
}

// NewEventService creates an EventService fed by bus.
func NewEventService(bus *engine.EventBus, log *slog.Logger) *EventService {
	if log == nil {
		log = slog.Default()
	}
	return &EventService{bus: bus, log: log}
}

// Register registers the service on the given gRPC server instance.
func (s *EventService) Register(gs *grpc.Server) {
	gs.RegisterService(&eventsServiceDesc, s)
}

// StreamEvents streams the events of the user named by the request's
// "userId" field until the client disconnects.
func (s *EventService) StreamEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	user := strings.TrimSpace(req.GetFields()["userId"].GetStringValue())
	if user == "" {
		return status.Error(codes.InvalidArgument, "userId is required")
	}

	subID, ch := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(subID)

	s.log.Info("grpc client subscribed", "subID", subID, "user", user)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.UserID != user {
				continue
			}
			msg, err := eventToStruct(ev)
			if err != nil {
				s.log.Error("encoding event", "error", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// EventClient consumes the papertrade.Events stream.
type EventClient struct {
	conn grpc.ClientConnInterface
}

// NewEventClient wraps an established connection.
func NewEventClient(conn grpc.ClientConnInterface) *EventClient {
	return &EventClient{conn: conn}
}

// DialEvents connects to a papertrade gRPC server without transport security.
func DialEvents(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, nil
}

// Stream calls fn for every event addressed to userID. It blocks until ctx is cancelled, the stream ends or fn returns an
// error.
func (c *EventClient) Stream(ctx context.Context, userID string, fn func(domain.Event) error) error {
	cs, err := c.conn.NewStream(ctx, &eventsServiceDesc.Streams[0], streamEventsMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}

	req, err := structpb.NewStruct(map[string]any{"userId": userID})
	if err != nil {
		return err
	}
	if err := stream.ClientStream.SendMsg(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.ClientStream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		ev, err := eventFromStruct(msg)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func eventToStruct(ev domain.Event) (*structpb.Struct, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func eventFromStruct(s *structpb.Struct) (domain.Event, error) {
	var ev domain.Event
	raw, err := s.MarshalJSON()
	if err != nil {
		return ev, fmt.Errorf("decoding event: %w", err)
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decoding event: %w", err)
	}
	return ev, nil
}
