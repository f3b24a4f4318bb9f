package rpcapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentcompany/agentcompany/internal/apperr"
)

func TestDispatchUnknownMethodReturnsUserError(t *testing.T) {
	r := NewRouter()
	_, err := r.Dispatch(context.Background(), "no.such.method", nil)
	require.Error(t, err)
	require.Equal(t, apperr.KindUserError, apperr.KindOf(err))
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	r := NewRouter()
	r.Register("echo.ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := DecodeParams(params, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in.Text}, nil
	})

	result, err := r.Dispatch(context.Background(), "echo.ping", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"echo": "hello"}, result)
}

func TestDecodeParamsRejectsMalformedJSON(t *testing.T) {
	var dst struct{ Foo string }
	err := DecodeParams(json.RawMessage(`{not json`), &dst)
	require.Error(t, err)
}

func TestMethodsListsRegisteredNames(t *testing.T) {
	r := NewRouter()
	r.Register("a.one", func(ctx context.Context, params json.RawMessage) (any, error) { return nil, nil })
	r.Register("b.two", func(ctx context.Context, params json.RawMessage) (any, error) { return nil, nil })
	RegisterSystemMethods(r)

	methods := r.Methods()
	require.Contains(t, methods, "a.one")
	require.Contains(t, methods, "b.two")
	require.Contains(t, methods, "system.capabilities")
}
