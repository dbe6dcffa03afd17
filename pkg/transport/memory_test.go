package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairRequestResponse(t *testing.T) {
	a, b := NewPair()

	b.HandleProfile("getCheckpoint", func(ctx context.Context, req *Message) *Message {
		assert.Equal(t, "client1", req.Property("client"))
		return &Message{Body: []byte(`{"local":5}`)}
	})

	resp, err := a.SendRequest(context.Background(), &Message{
		Profile:    "getCheckpoint",
		Properties: map[string]string{"client": "client1"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"local":5}`, string(resp.Body))
}

func TestPairNoHandlerErrors(t *testing.T) {
	a, _ := NewPair()
	_, err := a.SendRequest(context.Background(), &Message{Profile: "unknown"})
	assert.Error(t, err)
}

func TestPairNoReplyDoesNotBlock(t *testing.T) {
	a, b := NewPair()
	received := make(chan struct{}, 1)
	b.HandleProfile("norev", func(ctx context.Context, req *Message) *Message {
		received <- struct{}{}
		return nil
	})

	resp, err := a.SendRequest(context.Background(), &Message{Profile: "norev", NoReply: true})
	require.NoError(t, err)
	assert.Nil(t, resp)
	<-received
}

func TestErrorMessage(t *testing.T) {
	msg := ErrorMessage("HTTP", 404, "not found")
	assert.Equal(t, "HTTP", msg.Property("Error-Domain"))
	assert.Equal(t, "404", msg.Property("Error-Code"))
}
