// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package mux talks to the local device daemon over one multiplexed
// connection. Every operation opens its own stream:
//
//	client                          daemon
//	  | -- {"op":"connect",...}\n -->  |
//	  | <-- {"ok":true}\n ------------ |
//	  | <=== raw payload ============> |
//
// After a successful status line the stream carries the payload of the
// operation: the device socket for connect, syslog lines for logs. Streams
// of notify and ping end after the status line.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	"github.com/Yellowbox-AU/debugbridge/pkg/discovery"
	"github.com/hashicorp/yamux"
)

// Operations understood by the daemon.
const (
	OpConnect = "connect"
	OpLogs    = "logs"
	OpNotify  = "notify"
	OpPing    = "ping"
)

const maxStatusLine = 64 * 1024

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("mux client closed")

// Request is the first line written on every stream.
type Request struct {
	Op     string `json:"op"`
	Device string `json:"device,omitempty"`
	Port   int    `json:"port,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Response is the status line the daemon answers with.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Config configures a Client.
type Config struct {
	Network string // default: tcp
	Address string

	// Dial overrides how the daemon connection is made.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	DialTimeout time.Duration // default: 5s

	// Yamux overrides the session configuration.
	Yamux *yamux.Config

	Logger *slog.Logger
}

// Client implements device.Transport, discovery.LogSource and
// discovery.Notifier. The session is dialed on first use and redialed
// whenever it has gone away.
type Client struct {
	cfg Config

	mu     sync.Mutex
	sess   *yamux.Session
	closed bool
}

var (
	_ device.Transport    = (*Client)(nil)
	_ discovery.LogSource = (*Client)(nil)
	_ discovery.Notifier  = (*Client)(nil)
)

// NewClient creates a Client for the daemon at cfg.Address.
func NewClient(cfg Config) *Client {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Yamux == nil {
		cfg.Yamux = yamux.DefaultConfig()
		cfg.Yamux.LogOutput = io.Discard
	}
	return &Client{cfg: cfg}
}

// OpenSocket connects to port on the device and returns the byte stream.
func (c *Client) OpenSocket(ctx context.Context, deviceID string, port int) (net.Conn, error) {
	return c.open(ctx, Request{Op: OpConnect, Device: deviceID, Port: port})
}

// OpenLogStream returns the syslog of the device, one line per entry.
func (c *Client) OpenLogStream(ctx context.Context, deviceID string) (io.ReadCloser, error) {
	return c.open(ctx, Request{Op: OpLogs, Device: deviceID})
}

// PostNotification posts a named notification to the device.
func (c *Client) PostNotification(ctx context.Context, deviceID, name string) error {
	stream, err := c.open(ctx, Request{Op: OpNotify, Device: deviceID, Name: name})
	if err != nil {
		return err
	}
	return stream.Close()
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	stream, err := c.open(ctx, Request{Op: OpPing})
	if err != nil {
		return err
	}
	return stream.Close()
}

// Close closes the daemon session and every open stream.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}

func (c *Client) session(ctx context.Context) (*yamux.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.sess != nil && !c.sess.IsClosed() {
		return c.sess, nil
	}
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(dctx, c.cfg.Network, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial device daemon %s: %w", c.cfg.Address, err)
	}
	sess, err := yamux.Client(conn, c.cfg.Yamux)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start daemon session: %w", err)
	}

	c.sess = sess
	c.cfg.Logger.Debug("device daemon session established",
		slog.String("address", c.cfg.Address))
	return sess, nil
}

// open starts a stream for req and returns it once the daemon accepted the
// request. ctx bounds the exchange, not the returned stream.
func (c *Client) open(ctx context.Context, req Request) (net.Conn, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open stream: %w", req.Op, err)
	}

	stop := context.AfterFunc(ctx, func() {
		stream.SetDeadline(time.Unix(1, 0))
	})

	resp, err := exchange(stream, req)
	if !stop() || err != nil {
		stream.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", req.Op, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	if !resp.OK {
		stream.Close()
		return nil, fmt.Errorf("%s: daemon: %s", req.Op, resp.Error)
	}

	stream.SetDeadline(time.Time{})
	return stream, nil
}

func exchange(rw io.ReadWriter, req Request) (Response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := rw.Write(append(line, '\n')); err != nil {
		return Response{}, err
	}

	status, err := readLine(rw)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read status: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(status, &resp); err != nil {
		return Response{}, fmt.Errorf("malformed status %q: %w", status, err)
	}
	return resp, nil
}

// readLine reads up to and excluding '\n' one byte at a time, so nothing
// past the status line is consumed.
func readLine(r io.Reader) ([]byte, error) {
	var line []byte
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				return line, nil
			}
			if len(line) >= maxStatusLine {
				return nil, errors.New("status line too long")
			}
			line = append(line, b[0])
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
