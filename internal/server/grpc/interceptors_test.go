package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/medconsent/internal/identity"
	"github.com/and161185/medconsent/internal/model"
)

type tcpAddr struct{}

func (tcpAddr) Network() string { return "tcp" }
func (tcpAddr) String() string  { return "10.0.0.7:5100" }

type stubStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s stubStream) Context() context.Context { return s.ctx }

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestLoggingUnary(t *testing.T) {
	log, logs := observed()
	ic := LoggingUnary(log)
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: tcpAddr{}})
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	boom := status.Error(codes.Unavailable, "db down")
	_, err = ic(ctx, "req", info, func(context.Context, any) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	denied := status.Error(codes.PermissionDenied, "no grant")
	_, err = ic(ctx, "req", info, func(context.Context, any) (any, error) { return nil, denied })
	require.Error(t, err)

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "OK", entries[0].ContextMap()["code"])
	require.Equal(t, "10.0.0.7:5100", entries[0].ContextMap()["peer"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "Unavailable", entries[1].ContextMap()["code"])
	require.Equal(t, zapcore.InfoLevel, entries[2].Level)
}

func TestLoggingStream(t *testing.T) {
	log, logs := observed()
	ic := LoggingStream(log)
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}
	ss := stubStream{ctx: context.Background()}

	err := ic(nil, ss, info, func(any, grpc.ServerStream) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, logs.FilterMessage("grpc stream").Len())
	require.Equal(t, "/grpc.health.v1.Health/Watch", logs.All()[0].ContextMap()["method"])
}

func TestRecover(t *testing.T) {
	log, logs := observed()

	_, err := RecoverUnary(log)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Unary"},
		func(context.Context, any) (any, error) { panic("nil map") })
	require.Equal(t, codes.Internal, status.Code(err))

	err = RecoverStream(log)(nil, stubStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/x/Stream"},
		func(any, grpc.ServerStream) error { panic("closed channel") })
	require.Equal(t, codes.Internal, status.Code(err))

	panics := logs.FilterMessage("panic").All()
	require.Len(t, panics, 2)
	require.Equal(t, "/x/Stream", panics[1].ContextMap()["method"])

	resp, err := RecoverUnary(log)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Ok"},
		func(context.Context, any) (any, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, resp)
}

func TestAuthUnary(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	v := identity.NewVerifier([]byte("k"), 0, func() time.Time { return now })
	want := model.Principal{ID: uuid.Must(uuid.NewV4()), Role: model.RoleDoctor}
	tok, _, err := v.Issue(want, time.Hour)
	require.NoError(t, err)

	ic := AuthUnary(v, healthPrefix)
	var got model.Principal
	h := func(ctx context.Context, _ any) (any, error) {
		got, _ = identity.PrincipalFromCtx(ctx)
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/medconsent.v1.Consent/List"}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok))
	_, err = ic(ctx, nil, info, h)
	require.NoError(t, err)
	require.Equal(t, want, got)

	for name, ctx := range map[string]context.Context{
		"no metadata": context.Background(),
		"no bearer":   metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic x")),
		"bad token":   metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer a.b.c")),
	} {
		_, err := ic(ctx, nil, info, h)
		require.Equal(t, codes.Unauthenticated, status.Code(err), name)
	}

	_, err = ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: healthPrefix + "Check"}, h)
	require.NoError(t, err)

	_, err = AuthUnary(nil)(ctx, nil, info, h)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestBearerTokenFromMD(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Basic zzz", "authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", got)

	_, err = bearerTokenFromMD(context.Background())
	require.True(t, errors.Is(err, identity.ErrNoToken))
}
