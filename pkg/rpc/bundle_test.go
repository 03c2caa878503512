package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBundle(t *testing.T) {
	server := rpcServer(t, func(call rpcCall) (any, *Error) {
		assert.Equal(t, "sendBundle", call.Method)
		var txs []string
		require.NoError(t, json.Unmarshal(call.Params[0], &txs))
		assert.Equal(t, []string{"a", "b"}, txs)
		return "bundle-1", nil
	})
	defer server.Close()

	client := NewBundleHTTPWithOpts(Opts{Endpoints: []string{server.URL}})
	id, err := client.SendBundle(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "bundle-1", id)
}

func TestGetBundleStatuses(t *testing.T) {
	server := rpcServer(t, func(call rpcCall) (any, *Error) {
		return map[string]any{
			"context": map[string]any{"slot": 3},
			"value": []any{map[string]any{
				"bundle_id":           "bundle-1",
				"slot":                3,
				"confirmation_status": "confirmed",
				"err":                 map[string]any{"Ok": nil},
			}, nil},
		}, nil
	})
	defer server.Close()

	client := NewBundleHTTPWithOpts(Opts{Endpoints: []string{server.URL}})
	statuses, err := client.GetBundleStatuses(context.Background(), []string{"bundle-1", "bundle-2"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "confirmed", statuses[0].ConfirmationStatus)
	assert.False(t, statuses[0].Failed())
	assert.Nil(t, statuses[1])
}
