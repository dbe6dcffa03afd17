// Package transport defines the minimal multiplexed request/response
// surface the replication core needs from a BLIP-style connection, so
// Pusher, Puller, and Replicator never import a wire library directly.
package transport

import "context"

// Message is one BLIP-style frame: a profile, a property bag, and a body.
// Request and Response share this shape — a Response is just a Message
// with no Profile, sent back through the original request's reply path.
type Message struct {
	Profile    string
	Properties map[string]string
	Body       []byte
	// Urgent requests (e.g. changes lists) win scheduling ties over
	// background traffic (e.g. attachment proofs) per the design.
	Urgent bool
	// NoReply marks a request the peer should not acknowledge.
	NoReply bool
}

// Property looks up a property, returning "" if absent.
func (m *Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// ErrorMessage builds a BLIP error response: properties carry
// Error-Domain/Error-Code, and Body is a human-readable message.
func ErrorMessage(domain string, code int, message string) *Message {
	return &Message{
		Properties: map[string]string{
			"Error-Domain": domain,
			"Error-Code":   itoa(code),
		},
		Body: []byte(message),
	}
}

// ErrorMessageCode builds a BLIP error response carrying a named,
// non-numeric error code (e.g. LiteCore's "DeltaBaseUnknown"), for
// domains that don't classify by HTTP-ish status numbers.
func ErrorMessageCode(domain, code, message string) *Message {
	return &Message{
		Properties: map[string]string{
			"Error-Domain": domain,
			"Error-Code":   code,
		},
		Body: []byte(message),
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Handler processes an inbound request and returns the response to send
// back (or nil for a message that was marked NoReply).
type Handler func(ctx context.Context, req *Message) *Message

// Sender is the multiplexed connection handle Pusher/Puller/Replicator
// send requests through and register handlers on.
type Sender interface {
	// SendRequest sends req and blocks until the peer's reply arrives or
	// ctx is done. Safe to call concurrently from multiple goroutines —
	// the underlying connection multiplexes by message number.
	SendRequest(ctx context.Context, req *Message) (*Message, error)

	// HandleProfile registers the handler invoked for inbound requests
	// whose Profile matches profile. Registering the same profile twice
	// replaces the previous handler.
	HandleProfile(profile string, handler Handler)

	// Close tears down the underlying connection. Handlers registered via
	// HandleProfile stop being invoked once Close returns.
	Close() error
}
