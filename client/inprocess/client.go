// Package inprocess runs a distlock server inside the calling process and
// hands back a client bound to it over a private unix socket.
package inprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/distlock"
	"pkt.systems/distlock/api"
	distlockclient "pkt.systems/distlock/client"
)

// Client provides the distlock client API backed by an in-process server instance.
type Client struct {
	inner     *distlockclient.Client
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process distlock server and returns a client connected to
// it. The returned client should be closed when no longer needed.
// Example:
//
//	ctx := context.Background()
//	inproc, err := inprocess.New(ctx, distlock.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg distlock.Config, opts ...distlock.Option) (*Client, error) {
	if cfg.ListenProto == "" {
		cfg.ListenProto = "unix"
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "distlock-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }

	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "distlock.sock")
	}

	_, stop, err := distlock.StartServer(ctx, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	cli, err := distlockclient.New("unix://" + cfg.Listen)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}
	return &Client{inner: cli, stop: stop, cleanup: cleanup}, nil
}

// Close shuts down the embedded server and releases resources.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if c.stop != nil {
			if err := c.stop(ctx); err != nil {
				c.closeErr = err
			}
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}

// Acquire proxies to the embedded client Acquire call.
func (c *Client) Acquire(ctx context.Context, key string) (bool, *api.LockEntry, error) {
	return c.inner.Acquire(ctx, key)
}

// Release proxies to the embedded client Release call.
func (c *Client) Release(ctx context.Context, key string) (bool, error) {
	return c.inner.Release(ctx, key)
}

// List proxies to the embedded client List call.
func (c *Client) List(ctx context.Context) ([]api.LockEntry, error) {
	return c.inner.List(ctx)
}
