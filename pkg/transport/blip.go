package transport

import (
	"context"
	"fmt"

	"github.com/couchbase/go-blip"

	"github.com/cuemby/revsync/pkg/log"
)

// BlipSender adapts a *blip.Sender (and its owning *blip.Context) to the
// Sender interface, the way sync_gateway's blipHandler wraps blip.Message
// to expose only the properties/body/profile it needs.
type BlipSender struct {
	ctx    *blip.Context
	sender *blip.Sender
}

// NewBlipSender returns a BlipSender that registers handlers on ctx and
// sends requests through sender.
func NewBlipSender(ctx *blip.Context, sender *blip.Sender) *BlipSender {
	return &BlipSender{ctx: ctx, sender: sender}
}

func (b *BlipSender) SendRequest(ctx context.Context, req *Message) (*Message, error) {
	outrq := blip.NewRequest()
	outrq.SetProfile(req.Profile)
	for k, v := range req.Properties {
		outrq.Properties[k] = v
	}
	outrq.SetBody(req.Body)
	if req.Urgent {
		outrq.SetUrgent(true)
	}
	if req.NoReply {
		outrq.SetNoReply(true)
		if !b.sender.Send(outrq) {
			return nil, fmt.Errorf("transport: connection closed sending %s", req.Profile)
		}
		return nil, nil
	}

	if !b.sender.Send(outrq) {
		return nil, fmt.Errorf("transport: connection closed sending %s", req.Profile)
	}

	respCh := make(chan *Message, 1)
	errCh := make(chan error, 1)
	go func() {
		resp := outrq.Response()
		if resp == nil {
			errCh <- fmt.Errorf("transport: no response for %s", req.Profile)
			return
		}
		body, err := resp.Body()
		if err != nil {
			errCh <- err
			return
		}
		respCh <- fromBlipMessage(resp, body)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case resp := <-respCh:
		return resp, nil
	}
}

func (b *BlipSender) HandleProfile(profile string, handler Handler) {
	b.ctx.HandlerForProfile[profile] = func(rq *blip.Message) {
		body, err := rq.Body()
		if err != nil {
			log.WithComponent("transport").Warn().Err(err).Str("profile", profile).Msg("failed to read request body")
			return
		}
		resp := handler(context.Background(), fromBlipMessage(rq, body))
		if resp == nil {
			return
		}
		reply := rq.Response()
		if reply == nil {
			return
		}
		for k, v := range resp.Properties {
			reply.Properties[k] = v
		}
		reply.SetBody(resp.Body)
	}
}

func (b *BlipSender) Close() error {
	b.sender.Close()
	return nil
}

func fromBlipMessage(m *blip.Message, body []byte) *Message {
	props := make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		props[k] = v
	}
	return &Message{
		Profile:    m.Properties["Profile"],
		Properties: props,
		Body:       body,
	}
}
