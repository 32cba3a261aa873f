package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestKeepsHeader(t *testing.T) {
	req := &RPCMessage{
		ServiceMethod: "Auth.Token",
		Header:        map[string]string{"version": "v2", "x-trace": "abc"},
		Payload:       []byte(`{}`),
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got RPCMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, req.Header, got.Header)
	assert.False(t, got.Failed())
}

func TestErrorMessage(t *testing.T) {
	resp := ErrorMessage("Auth.Token", errors.New("boom"))
	assert.True(t, resp.Failed())
	assert.Equal(t, "boom", resp.Error)
	assert.Equal(t, "Auth.Token", resp.ServiceMethod)

	var nilMsg *RPCMessage
	assert.False(t, nilMsg.Failed())
}

func TestLocalErrorStaysLocal(t *testing.T) {
	boom := errors.New("dial refused")
	resp := LocalError("Auth.Token", boom)
	assert.True(t, resp.Failed())
	assert.ErrorIs(t, resp.Err, boom)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var got RPCMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "dial refused", got.Error)
	assert.Nil(t, got.Err, "the local error is not sent on the wire")
}
