package replicator

import (
	"context"
	"sync"

	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/types"
)

// profileRegistry lets every collection's Pusher/Puller register its own
// "rev"/"changes"/"subChanges" handler without colliding on the single
// underlying transport.Sender, which only keys handlers by profile.
// Exactly one real handler is registered per profile; it demuxes inbound
// requests by their "collection" property (falling back to the sole
// configured collection when the property is absent, per design point 6).
type profileRegistry struct {
	mu sync.Mutex

	real transport.Sender
	solo string // collection key to assume when the property is absent

	known    map[string]bool                     // configured collection keys
	handlers map[string]map[string]transport.Handler // profile -> collection key -> handler
	wired    map[string]bool                     // profile already dispatched on real
}

func newProfileRegistry(real transport.Sender, collections []types.Collection) *profileRegistry {
	pr := &profileRegistry{
		real:     real,
		known:    make(map[string]bool, len(collections)),
		handlers: make(map[string]map[string]transport.Handler),
		wired:    make(map[string]bool),
	}
	for _, c := range collections {
		pr.known[c.String()] = true
	}
	if len(collections) == 1 {
		pr.solo = collections[0].String()
	}
	return pr
}

// senderFor returns the transport.Sender view a single collection's
// Pusher/Puller should be built against.
func (pr *profileRegistry) senderFor(c types.Collection) *collectionSender {
	return &collectionSender{real: pr.real, registry: pr, collection: c}
}

func (pr *profileRegistry) register(collKey, profile string, handler transport.Handler) {
	pr.mu.Lock()
	if pr.handlers[profile] == nil {
		pr.handlers[profile] = make(map[string]transport.Handler)
	}
	pr.handlers[profile][collKey] = handler
	needsWiring := !pr.wired[profile]
	if needsWiring {
		pr.wired[profile] = true
	}
	pr.mu.Unlock()

	if needsWiring {
		pr.real.HandleProfile(profile, pr.dispatch(profile))
	}
}

func (pr *profileRegistry) dispatch(profile string) transport.Handler {
	return func(ctx context.Context, req *transport.Message) *transport.Message {
		collKey := req.Property("collection")
		if collKey == "" {
			collKey = pr.solo
		}

		pr.mu.Lock()
		handler, ok := pr.handlers[profile][collKey]
		known := pr.known[collKey]
		pr.mu.Unlock()

		if ok {
			return handler(ctx, req)
		}
		if known {
			// The collection exists but this side has no worker enrolled
			// for this profile, e.g. push direction is Disabled.
			return transport.ErrorMessageCode(string(rerror.DomainHTTP), "403", "operation not permitted for this collection")
		}
		return transport.ErrorMessageCode(string(rerror.DomainHTTP), "404", "unknown collection")
	}
}

// collectionSender is the transport.Sender view handed to one
// collection's Pusher/Puller/IncomingRev. Outbound sends pass straight
// through; inbound handler registration routes through the registry so
// every collection using the same real connection stays independent.
type collectionSender struct {
	real       transport.Sender
	registry   *profileRegistry
	collection types.Collection
}

func (s *collectionSender) SendRequest(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	return s.real.SendRequest(ctx, req)
}

func (s *collectionSender) HandleProfile(profile string, handler transport.Handler) {
	s.registry.register(s.collection.String(), profile, handler)
}

func (s *collectionSender) Close() error {
	return s.real.Close()
}
