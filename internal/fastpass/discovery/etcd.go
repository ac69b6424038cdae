// Package discovery resolves the centralized arbiter's current control
// address via etcd, adapted from the teacher's etcd client/resolver pair.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdClient wraps a etcd v3 client with lease-backed registration,
// keepalive, and prefix watching.
type EtcdClient struct {
	client       *clientv3.Client
	logger       *zap.Logger
	leaseID      clientv3.LeaseID
	keepAliveCh  <-chan *clientv3.LeaseKeepAliveResponse
	mu           sync.RWMutex
	serviceKey   string
	serviceValue string
	closed       bool
	ctx          context.Context
	cancel       context.CancelFunc
}

// Config configures the etcd connection.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// NewEtcdClient dials etcd using config.
func NewEtcdClient(config *Config, logger *zap.Logger) (*EtcdClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}

	clientConfig := clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	}
	if config.Username != "" {
		clientConfig.Username = config.Username
		clientConfig.Password = config.Password
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &EtcdClient{client: client, logger: logger, ctx: ctx, cancel: cancel}

	logger.Info("etcd client created", zap.Strings("endpoints", config.Endpoints))
	return c, nil
}

// Register publishes serviceKey=serviceValue under a lease of ttl
// seconds, and starts a background keepalive loop.
func (c *EtcdClient) Register(serviceKey, serviceValue string, ttl int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	lease, err := c.client.Grant(c.ctx, ttl)
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	c.leaseID = lease.ID
	c.serviceKey = serviceKey
	c.serviceValue = serviceValue

	if _, err := c.client.Put(c.ctx, serviceKey, serviceValue, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register key: %w", err)
	}

	keepAliveCh, err := c.client.KeepAlive(c.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	c.keepAliveCh = keepAliveCh
	go c.watchKeepAlive()

	c.logger.Info("registered key",
		zap.String("key", serviceKey), zap.String("value", serviceValue),
		zap.Int64("ttl", ttl), zap.Int64("lease_id", int64(lease.ID)))
	return nil
}

func (c *EtcdClient) watchKeepAlive() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case resp, ok := <-c.keepAliveCh:
			if !ok {
				c.logger.Warn("keepalive channel closed, attempting re-register")
				c.mu.Lock()
				if !c.closed && c.serviceKey != "" {
					if err := c.reRegister(); err != nil {
						c.logger.Error("re-register failed", zap.Error(err))
					}
				}
				c.mu.Unlock()
				return
			}
			if resp != nil {
				c.logger.Debug("keepalive response", zap.Int64("ttl", resp.TTL))
			}
		}
	}
}

// reRegister must be called with c.mu held.
func (c *EtcdClient) reRegister() error {
	if c.closed {
		return fmt.Errorf("client is closed")
	}

	lease, err := c.client.Grant(c.ctx, 10)
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	c.leaseID = lease.ID

	if _, err := c.client.Put(c.ctx, c.serviceKey, c.serviceValue, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register key: %w", err)
	}

	keepAliveCh, err := c.client.KeepAlive(c.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	c.keepAliveCh = keepAliveCh
	go c.watchKeepAlive()

	c.logger.Info("re-registered key", zap.String("key", c.serviceKey), zap.Int64("lease_id", int64(lease.ID)))
	return nil
}

// Unregister removes the registered key and revokes its lease.
func (c *EtcdClient) Unregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if c.serviceKey != "" {
		if _, err := c.client.Delete(c.ctx, c.serviceKey); err != nil {
			c.logger.Warn("delete key failed", zap.Error(err))
		}
	}
	if c.leaseID != 0 {
		if _, err := c.client.Revoke(c.ctx, c.leaseID); err != nil {
			c.logger.Warn("revoke lease failed", zap.Error(err))
		}
	}

	c.logger.Info("unregistered key", zap.String("key", c.serviceKey))
	c.serviceKey = ""
	c.serviceValue = ""
	return nil
}

// Watch fires handler for the current contents of prefix, then for every
// subsequent PUT/DELETE event under it.
func (c *EtcdClient) Watch(prefix string, handler func(eventType string, key, value string)) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("client is closed")
	}
	c.mu.RUnlock()

	resp, err := c.client.Get(c.ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("get prefix: %w", err)
	}
	for _, kv := range resp.Kvs {
		handler("PUT", string(kv.Key), string(kv.Value))
	}

	watchCh := c.client.Watch(c.ctx, prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())
	go func() {
		c.logger.Info("watching prefix", zap.String("prefix", prefix))
		for {
			select {
			case <-c.ctx.Done():
				return
			case watchResp, ok := <-watchCh:
				if !ok {
					c.logger.Warn("watch channel closed")
					return
				}
				if watchResp.Err() != nil {
					c.logger.Error("watch error", zap.Error(watchResp.Err()))
					continue
				}
				for _, event := range watchResp.Events {
					key := string(event.Kv.Key)
					value := string(event.Kv.Value)
					switch event.Type {
					case clientv3.EventTypePut:
						handler("PUT", key, value)
						c.logger.Info("key put", zap.String("key", key), zap.String("value", value))
					case clientv3.EventTypeDelete:
						handler("DELETE", key, "")
						c.logger.Info("key deleted", zap.String("key", key))
					}
				}
			}
		}
	}()

	return nil
}

// Get fetches a single key's value.
func (c *EtcdClient) Get(key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return "", fmt.Errorf("client is closed")
	}
	resp, err := c.client.Get(c.ctx, key)
	if err != nil {
		return "", fmt.Errorf("get key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("key not found")
	}
	return string(resp.Kvs[0].Value), nil
}

// Close unregisters (if registered), revokes the lease, and closes the
// underlying client. Idempotent.
func (c *EtcdClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.serviceKey != "" {
		_, _ = c.client.Delete(context.Background(), c.serviceKey)
	}
	if c.leaseID != 0 {
		_, _ = c.client.Revoke(context.Background(), c.leaseID)
	}
	c.cancel()

	err := c.client.Close()
	c.logger.Info("etcd client closed")
	return err
}
