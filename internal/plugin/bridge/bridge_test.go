package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meristem/core/internal/plugin/isolate"
	"github.com/meristem/core/internal/plugin/manifest"
)

func testManifest(perms ...string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:          "com.example.alpha",
		Permissions: perms,
	}
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(Capability{
		Name:       "node.read",
		Permission: "node:read",
		Handler: func(ctx context.Context, pluginID string, params json.RawMessage) (interface{}, error) {
			return map[string]string{"node": "n-1"}, nil
		},
	})
	r.Register(Capability{
		Name:       "always.fails",
		Permission: "node:read",
		Handler: func(ctx context.Context, pluginID string, params json.RawMessage) (interface{}, error) {
			return nil, errors.New("backing store offline")
		},
	})
	r.Register(Capability{
		Name:       "always.panics",
		Permission: "node:read",
		Handler: func(ctx context.Context, pluginID string, params json.RawMessage) (interface{}, error) {
			panic("unexpected nil")
		},
	})
	return r
}

func invokeFrame(method string) isolate.Message {
	return isolate.Message{
		ID:       "req-1",
		PluginID: "com.example.alpha",
		Type:     isolate.TypeInvoke,
		Payload:  isolate.MustMarshal(isolate.InvokePayload{Method: method}),
	}
}

func decodeReply(t *testing.T, reply isolate.Message) *isolate.InvokeResult {
	t.Helper()
	require.Equal(t, isolate.TypeInvokeResult, reply.Type)
	require.Equal(t, "req-1", reply.ID)
	result, err := isolate.DecodeResult(reply)
	require.NoError(t, err)
	return result
}

func TestBrokerDispatchesPermittedCapability(t *testing.T) {
	b := NewBroker(NewPluginContext(testManifest("node:read"), testRegistry()), nil, nil)

	result := decodeReply(t, b.HandleInvoke(context.Background(), invokeFrame("node.read")))
	require.True(t, result.Success)
	assert.JSONEq(t, `{"node":"n-1"}`, string(result.Data))
}

func TestBrokerRejectsUndeclaredPermission(t *testing.T) {
	b := NewBroker(NewPluginContext(testManifest(), testRegistry()), nil, nil)

	result := decodeReply(t, b.HandleInvoke(context.Background(), invokeFrame("node.read")))
	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, BridgeErrorCode, result.Error.Code)
	assert.Contains(t, result.Error.Message, "node:read")
}

func TestBrokerRejectsUnknownCapability(t *testing.T) {
	b := NewBroker(NewPluginContext(testManifest("node:read"), testRegistry()), nil, nil)

	result := decodeReply(t, b.HandleInvoke(context.Background(), invokeFrame("no.such.capability")))
	require.False(t, result.Success)
	assert.Equal(t, BridgeErrorCode, result.Error.Code)
}

func TestBrokerTranslatesHandlerError(t *testing.T) {
	b := NewBroker(NewPluginContext(testManifest("node:read"), testRegistry()), nil, nil)

	result := decodeReply(t, b.HandleInvoke(context.Background(), invokeFrame("always.fails")))
	require.False(t, result.Success)
	assert.Equal(t, BridgeErrorCode, result.Error.Code)
	assert.Contains(t, result.Error.Message, "backing store offline")
}

func TestBrokerContainsHandlerPanic(t *testing.T) {
	b := NewBroker(NewPluginContext(testManifest("node:read"), testRegistry()), nil, nil)

	result := decodeReply(t, b.HandleInvoke(context.Background(), invokeFrame("always.panics")))
	require.False(t, result.Success)
	assert.Equal(t, BridgeErrorCode, result.Error.Code)
	assert.Contains(t, result.Error.Message, "panicked")
}

func TestBrokerRejectsMalformedInvoke(t *testing.T) {
	b := NewBroker(NewPluginContext(testManifest("node:read"), testRegistry()), nil, nil)

	reply := b.HandleInvoke(context.Background(), isolate.Message{
		ID:      "req-1",
		Type:    isolate.TypeInvoke,
		Payload: json.RawMessage(`{"params":1}`),
	})
	result := decodeReply(t, reply)
	require.False(t, result.Success)
	assert.Equal(t, BridgeErrorCode, result.Error.Code)
}
