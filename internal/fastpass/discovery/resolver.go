package discovery

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fastpass-project/endpoint/internal/fastpass/breaker"
)

// ArbiterChangeListener is notified whenever the resolved arbiter
// address changes.
type ArbiterChangeListener func(address string)

// ArbiterResolver tracks the single etcd key holding the centralized
// arbiter's current control-plane address, falling back to a static
// address when etcd is unavailable or the key has not yet been set.
//
// Fastpass has exactly one active arbiter at a time, unlike the
// teacher's multi-address ServiceResolver — this type trades its
// map[string][]string bookkeeping for a single current address plus a
// fallback, and keeps the etcd watch/listener plumbing.
type ArbiterResolver struct {
	etcdClient *EtcdClient
	breaker    *breaker.CircuitBreaker
	logger     *zap.Logger
	key        string
	fallback   string

	mu        sync.RWMutex
	current   string
	listeners []ArbiterChangeListener
}

// NewArbiterResolver builds a resolver watching key via etcdClient. If
// etcdClient is nil, Current always returns fallback and Watch is a
// no-op — this lets a single endpoint binary run against a
// statically-configured arbiter without standing up etcd. cb, if
// non-nil, guards the initial etcd lookup Watch performs: a flapping
// etcd cluster trips it before every Watch/reconnect attempt piles up
// its own timeout on top of the others.
func NewArbiterResolver(etcdClient *EtcdClient, cb *breaker.CircuitBreaker, key, fallback string, logger *zap.Logger) *ArbiterResolver {
	return &ArbiterResolver{
		etcdClient: etcdClient,
		breaker:    cb,
		logger:     logger,
		key:        key,
		fallback:   fallback,
		current:    fallback,
	}
}

// Watch starts tracking key's value in etcd, updating Current and
// notifying listeners on every change. A no-op when built without an
// etcd client.
func (r *ArbiterResolver) Watch() error {
	if r.etcdClient == nil {
		return nil
	}

	watch := func() error {
		return r.etcdClient.Watch(r.key, func(eventType, key, value string) {
			r.handleChange(eventType, value)
		})
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(watch)
	} else {
		err = watch()
	}
	if err != nil {
		return fmt.Errorf("watch arbiter key: %w", err)
	}

	r.logger.Info("watching arbiter address", zap.String("key", r.key))
	return nil
}

func (r *ArbiterResolver) handleChange(eventType, value string) {
	r.mu.Lock()
	next := r.current
	switch eventType {
	case "PUT":
		next = value
	case "DELETE":
		next = r.fallback
	}
	changed := next != r.current
	r.current = next
	listeners := append([]ArbiterChangeListener(nil), r.listeners...)
	r.mu.Unlock()

	if !changed {
		return
	}
	r.logger.Info("arbiter address changed", zap.String("address", next))
	for _, listener := range listeners {
		listener(next)
	}
}

// Current returns the resolver's best-known arbiter address.
func (r *ArbiterResolver) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// AddChangeListener registers listener for future address changes and
// immediately fires it with the current address.
func (r *ArbiterResolver) AddChangeListener(listener ArbiterChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, listener)
	current := r.current
	r.mu.Unlock()

	listener(current)
}
