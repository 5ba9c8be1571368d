/*
Copyright 2022 Codenotary Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package replication

import (
	"errors"
	"fmt"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const codecName = "eventdb-replication"

const subscribeMethod = "/eventdb.replication.Replication/Subscribe"

// envelope receives a message of any type through the codec.
type envelope struct {
	msg Message
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%w: cannot marshal %T", ErrIllegalArguments, v)
	}
	return Marshal(m), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	e, ok := v.(*envelope)
	if !ok {
		return fmt.Errorf("%w: cannot unmarshal into %T", ErrIllegalArguments, v)
	}

	m, err := Unmarshal(data)
	if err != nil {
		return err
	}

	e.msg = m

	return nil
}

func (codec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(codec{})
}

type replicationServer interface {
	Subscribe(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "eventdb.replication.Replication",
	HandlerType: (*replicationServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "replication",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(replicationServer).Subscribe(stream)
}

type messageStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

func sendMessage(s messageStream, m Message) error {
	return s.SendMsg(m)
}

func recvMessage(s messageStream) (Message, error) {
	var e envelope

	err := s.RecvMsg(&e)
	if err != nil {
		return nil, err
	}

	return e.msg, nil
}

// ServerOptions returns the interceptors every replication server runs with.
func ServerOptions() []grpc.ServerOption {
	uis := []grpc.UnaryServerInterceptor{
		grpc_recovery.UnaryServerInterceptor(),
		grpc_prometheus.UnaryServerInterceptor,
	}

	sss := []grpc.StreamServerInterceptor{
		grpc_recovery.StreamServerInterceptor(),
		grpc_prometheus.StreamServerInterceptor,
	}

	return []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(uis...)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(sss...)),
	}
}

// toStatus maps leader side errors to the status seen by replicas.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrReplicaDiverged):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrIllegalArguments):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrAlreadyClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrReplicaTimedOut):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	return status.Error(codes.Internal, err.Error())
}

// fromStatus maps the status returned by the leader back to an error.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrReplicaDiverged, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrIllegalArguments, st.Message())
	}

	return err
}
