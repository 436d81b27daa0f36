// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fwtransport

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"
)

const (
	serviceName = "efct.firmware.v1.Firmware"
	callMethod  = "/" + serviceName + "/Call"
	// commandKey carries the command id in the request metadata.
	commandKey = "efct-fw-cmd"

	defaultCallTimeout = 10 * time.Second
)

// GRPCClient is a Transport talking to a firmware service over gRPC.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCClient creates a Transport on top of an established connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{
		conn:    conn,
		timeout: defaultCallTimeout,
	}
}

// Dial connects to a firmware service listening on a unix socket.
func Dial(socket string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient("passthrough:///"+socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", addr)
		}))
	if err != nil {
		return nil, errors.Wrapf(err, "Cannot connect to firmware service at %s", socket)
	}

	return conn, nil
}

// Call implements Transport.
func (c *GRPCClient) Call(ctx context.Context, cmd uint32, in []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx = metadata.AppendToOutgoingContext(ctx, commandKey, strconv.FormatUint(uint64(cmd), 10))
	out := new(wrapperspb.BytesValue)

	if err := c.conn.Invoke(ctx, callMethod, wrapperspb.Bytes(in), out); err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil, errors.Wrapf(ErrUnknownCommand, "command %#x: %s", cmd, status.Convert(err).Message())
		}

		return nil, errors.Wrapf(err, "firmware command %#x failed", cmd)
	}

	return out.GetValue(), nil
}

// RegisterServer exposes t as the firmware service on s.
func RegisterServer(s *grpc.Server, t Transport) {
	s.RegisterService(&serviceDesc, t)
}

// Serve listens on socket and serves t in the background. Stop the
// returned server to shut it down.
func Serve(socket string, t Transport, opts ...grpc.ServerOption) (*grpc.Server, error) {
	if err := WaitForServer(socket, time.Second); err == nil {
		return nil, errors.Errorf("Socket %s is already in use", socket)
	}
	// We don't care if the socket file doesn't exist.
	_ = os.Remove(socket)

	lis, err := net.Listen("unix", socket)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to listen to firmware socket")
	}

	srv := grpc.NewServer(opts...)
	RegisterServer(srv, t)

	go func() {
		klog.V(1).Infof("Start firmware service at: %s", socket)

		if serveErr := srv.Serve(lis); serveErr != nil {
			klog.Errorf("unable to start gRPC server: %+v", serveErr)
		}
	}()

	if err = WaitForServer(socket, 10*time.Second); err != nil {
		srv.Stop()
		return nil, err
	}

	return srv, nil
}

// WaitForServer waits until something accepts connections on socket.
func WaitForServer(socket string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socket)
		if err == nil {
			return errors.WithStack(conn.Close())
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "Failed dial context at %s", socket)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Transport)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "efct/firmware.proto",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	cmd, err := commandFromContext(ctx)
	if err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		out, err := srv.(Transport).Call(ctx, cmd, req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			klog.FromContext(ctx).V(4).Info("Firmware command failed", "cmd", cmd, "err", err)

			if errors.Is(err, ErrUnknownCommand) {
				return nil, status.Error(codes.Unimplemented, err.Error())
			}

			return nil, status.Error(codes.Internal, err.Error())
		}

		return wrapperspb.Bytes(out), nil
	}

	if interceptor == nil {
		return handle(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: callMethod,
	}

	return interceptor(ctx, in, info, handle)
}

func commandFromContext(ctx context.Context) (uint32, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "missing request metadata")
	}

	vals := md.Get(commandKey)
	if len(vals) != 1 {
		return 0, status.Errorf(codes.InvalidArgument, "expected one %s value, got %d", commandKey, len(vals))
	}

	cmd, err := strconv.ParseUint(vals[0], 10, 32)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "bad command id %q", vals[0])
	}

	return uint32(cmd), nil
}
