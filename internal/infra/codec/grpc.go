package codec

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// Service and method names of the remote codec.
const (
	ServiceName    = "qres.codec.v1.Codec"
	HintMetadata   = "x-qres-predictor-hint"
	methodEncode   = "/" + ServiceName + "/Encode"
	methodDecode   = "/" + ServiceName + "/Decode"
	defaultTimeout = 5 * time.Second
)

// ClientConfig locates the remote codec.
type ClientConfig struct {
	Addr    string
	Timeout time.Duration // per call
}

// Client calls a remote codec over gRPC. Payloads travel as
// google.protobuf.BytesValue; the predictor hint rides in metadata.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// NewClient connects lazily to cfg.Addr.
func NewClient(cfg ClientConfig, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", cfg.Addr, err)
	}
	c := NewClientWithConn(conn, cfg.Timeout)
	c.closer = conn.Close
	return c, nil
}

// NewClientWithConn wraps an existing connection. Used for tests.
func NewClientWithConn(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

// Close shuts down the connection if the client owns it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Encode compresses payload remotely.
func (c *Client) Encode(ctx context.Context, payload []byte, hint string) ([]byte, error) {
	return c.call(ctx, methodEncode, payload, hint)
}

// Decode decompresses payload remotely.
func (c *Client) Decode(ctx context.Context, payload []byte, hint string) ([]byte, error) {
	return c.call(ctx, methodDecode, payload, hint)
}

func (c *Client) call(ctx context.Context, method string, payload []byte, hint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if hint != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, HintMetadata, hint)
	}

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, method, wrapperspb.Bytes(payload), out); err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			return nil, fmt.Errorf("%s: %w: %v", method, domain.ErrCodecUnavailable, err)
		}
		return nil, fmt.Errorf("%s rpc: %w", method, err)
	}
	return out.GetValue(), nil
}

// ─── Server ─────────────────────────────────────────────────────────────────

// RegisterServer exposes impl as the remote codec service on s.
func RegisterServer(s grpc.ServiceRegistrar, impl Codec) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Codec)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Encode", Handler: handler(methodEncode, Codec.Encode)},
		{MethodName: "Decode", Handler: handler(methodDecode, Codec.Decode)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "qres/codec/v1/codec.proto",
}

type codecFunc func(Codec, context.Context, []byte, string) ([]byte, error)

func handler(fullMethod string, fn codecFunc) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, req any) (any, error) {
			out, err := fn(srv.(Codec), ctx, req.(*wrapperspb.BytesValue).GetValue(), hintFrom(ctx))
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return wrapperspb.Bytes(out), nil
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, invoke)
	}
}

func hintFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(HintMetadata); len(v) > 0 {
		return v[0]
	}
	return ""
}
