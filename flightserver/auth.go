package flightserver

import (
	"context"
	"encoding/base64"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthUnaryInterceptor returns a gRPC unary interceptor that admits calls
// carrying either Basic credentials (which mint a bearer token, returned in
// the response headers) or a previously issued Bearer token.
func AuthUnaryInterceptor(sessions *Sessions) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		hdr, err := authenticateCall(ctx, sessions)
		if err != nil {
			return nil, err
		}
		if hdr != nil {
			_ = grpc.SetHeader(ctx, hdr)
		}
		return handler(ctx, req)
	}
}

// AuthStreamInterceptor is the stream-RPC counterpart of AuthUnaryInterceptor.
func AuthStreamInterceptor(sessions *Sessions) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		hdr, err := authenticateCall(ss.Context(), sessions)
		if err != nil {
			return err
		}
		if hdr != nil {
			_ = ss.SetHeader(hdr)
		}
		return handler(srv, ss)
	}
}

// authenticateCall validates the "authorization" metadata header. For Basic
// credentials it returns the response header carrying the freshly issued
// bearer token; for a valid Bearer token it returns nil headers.
func authenticateCall(ctx context.Context, sessions *Sessions) (metadata.MD, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return nil, status.Error(codes.Unauthenticated, "no credentials supplied")
	}

	parts := strings.SplitN(authHeaders[0], " ", 2)
	if len(parts) != 2 {
		return nil, status.Error(codes.Unauthenticated, "malformed authorization header")
	}

	switch {
	case strings.EqualFold(parts[0], "Basic"):
		username, password, err := decodeBasicAuth(parts[1])
		if err != nil {
			return nil, err
		}
		token, err := sessions.Authenticate(username, password)
		if err != nil {
			return nil, err
		}
		return metadata.Pairs("authorization", "Bearer "+token), nil

	case strings.EqualFold(parts[0], "Bearer"):
		if _, ok := sessions.Lookup(parts[1]); !ok {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return nil, nil

	default:
		return nil, status.Error(codes.Unauthenticated, "expected Basic or Bearer authorization")
	}
}

func decodeBasicAuth(value string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", "", status.Error(codes.Unauthenticated, "invalid basic auth encoding")
	}

	creds := string(raw)
	sep := strings.IndexByte(creds, ':')
	if sep <= 0 || sep == len(creds)-1 {
		return "", "", status.Error(codes.Unauthenticated, "invalid basic auth payload")
	}
	return creds[:sep], creds[sep+1:], nil
}
