// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds the inspector port of a debuggable application by
// tailing the log stream of its device.
package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	bridgeerrors "github.com/Yellowbox-AU/debugbridge/pkg/errors"
	"github.com/Yellowbox-AU/debugbridge/pkg/session"
	"github.com/cenkalti/backoff/v4"
)

// AttachRequestSuffix is appended to the application id to form the device
// notification that asks the application to open its inspector socket.
const AttachRequestSuffix = ":NativeScript.Debug.AttachRequest"

var portLine = regexp.MustCompile(`NativeScript debugger has opened inspector socket on port (\d+?) for (.*)[.]`)

const reopenDelay = 250 * time.Millisecond

// ErrClosed is returned by a Watcher after Close.
var ErrClosed = errors.New("discovery watcher closed")

// LogSource opens the syslog stream of a device.
type LogSource interface {
	OpenLogStream(ctx context.Context, deviceID string) (io.ReadCloser, error)
}

// Notifier posts a named notification to a device.
type Notifier interface {
	PostNotification(ctx context.Context, deviceID, name string) error
}

// Config configures a Watcher.
type Config struct {
	Logs     LogSource
	Notifier Notifier

	// StartTimeout bounds how long the first request for a device waits for
	// its log stream to open (default: 3s).
	StartTimeout time.Duration

	// NewBackOff returns the policy used to reopen a dropped log stream.
	// Defaults to an unbounded exponential backoff.
	NewBackOff func() backoff.BackOff

	Logger *slog.Logger
}

type logStream struct {
	ready chan struct{}
	once  sync.Once
}

func (s *logStream) markReady() {
	s.once.Do(func() { close(s.ready) })
}

// Watcher implements device.PortReporter and device.KnownPorts. Ports are
// recorded per session, so a report for one application can never satisfy
// a wait for another.
type Watcher struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	ports   map[session.Key]int
	waiters map[session.Key][]chan int
	streams map[string]*logStream
}

var (
	_ device.PortReporter = (*Watcher)(nil)
	_ device.KnownPorts   = (*Watcher)(nil)
)

// New creates a Watcher. Log streams are opened lazily, on the first
// request for each device.
func New(cfg Config) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 3 * time.Second
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		ports:   make(map[session.Key]int),
		waiters: make(map[session.Key][]chan int),
		streams: make(map[string]*logStream),
	}
}

// RequestDebugPort clears the last known port of the session and asks the
// application to report a new one. The device log stream is opened first so
// the report cannot be missed.
func (w *Watcher) RequestDebugPort(ctx context.Context, deviceID, appID string) error {
	st, err := w.ensureStream(deviceID)
	if err != nil {
		return err
	}

	timer := time.NewTimer(w.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-st.ready:
	case <-timer.C:
		return fmt.Errorf("%w: log stream of device %s did not start", bridgeerrors.ErrPortDiscoveryTimeout, deviceID)
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrClosed
	}

	w.mu.Lock()
	delete(w.ports, session.Key{DeviceID: deviceID, AppID: appID})
	w.mu.Unlock()

	name := appID + AttachRequestSuffix
	if err := w.cfg.Notifier.PostNotification(ctx, deviceID, name); err != nil {
		return fmt.Errorf("failed to post %s: %w", name, err)
	}
	w.cfg.Logger.Debug("attach request posted",
		slog.String("device", deviceID),
		slog.String("app", appID))
	return nil
}

// AwaitReportedPort returns the port reported for the session, waiting up
// to timeout for a report.
func (w *Watcher) AwaitReportedPort(ctx context.Context, deviceID, appID string, timeout time.Duration) (int, error) {
	key := session.Key{DeviceID: deviceID, AppID: appID}

	w.mu.Lock()
	if port, ok := w.ports[key]; ok {
		w.mu.Unlock()
		return port, nil
	}
	ch := make(chan int, 1)
	w.waiters[key] = append(w.waiters[key], ch)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case port := <-ch:
		return port, nil
	case <-timer.C:
		w.dropWaiter(key, ch)
		return 0, fmt.Errorf("%w: %s after %s", bridgeerrors.ErrPortDiscoveryTimeout, key, timeout)
	case <-ctx.Done():
		w.dropWaiter(key, ch)
		return 0, ctx.Err()
	case <-w.ctx.Done():
		return 0, ErrClosed
	}
}

// LastReportedPort returns the most recent port reported for the session.
func (w *Watcher) LastReportedPort(deviceID, appID string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	port, ok := w.ports[session.Key{DeviceID: deviceID, AppID: appID}]
	return port, ok
}

// Observe processes one log line of deviceID. Lines that announce an
// inspector port record it and wake the waiters of that session.
func (w *Watcher) Observe(deviceID, line string) bool {
	m := portLine.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return false
	}
	key := session.Key{DeviceID: deviceID, AppID: m[2]}

	w.mu.Lock()
	w.ports[key] = port
	waiters := w.waiters[key]
	delete(w.waiters, key)
	w.mu.Unlock()

	for _, ch := range waiters {
		ch <- port
	}
	w.cfg.Logger.Info("inspector port reported",
		slog.String("device", deviceID),
		slog.String("app", key.AppID),
		slog.Int("port", port))
	return true
}

// Close stops every log stream. Pending waits return ErrClosed.
func (w *Watcher) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Watcher) dropWaiter(key session.Key, ch chan int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.waiters[key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(w.waiters, key)
	} else {
		w.waiters[key] = list
	}
}

func (w *Watcher) ensureStream(deviceID string) (*logStream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if st, ok := w.streams[deviceID]; ok {
		return st, nil
	}
	st := &logStream{ready: make(chan struct{})}
	w.streams[deviceID] = st

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.follow(deviceID, st)
	}()
	return st, nil
}

// follow keeps the log stream of deviceID open until the watcher closes.
func (w *Watcher) follow(deviceID string, st *logStream) {
	for w.ctx.Err() == nil {
		rc, err := backoff.RetryNotifyWithData(
			func() (io.ReadCloser, error) {
				return w.cfg.Logs.OpenLogStream(w.ctx, deviceID)
			},
			backoff.WithContext(w.cfg.NewBackOff(), w.ctx),
			func(err error, d time.Duration) {
				w.cfg.Logger.Warn("failed to open device log stream",
					slog.String("device", deviceID),
					slog.Duration("retry_in", d),
					slog.String("error", err.Error()))
			},
		)
		if err != nil {
			if w.ctx.Err() == nil {
				w.cfg.Logger.Error("giving up on device log stream",
					slog.String("device", deviceID),
					slog.String("error", err.Error()))
			}
			return
		}

		st.markReady()
		w.cfg.Logger.Debug("device log stream opened", slog.String("device", deviceID))
		w.scan(deviceID, rc)

		select {
		case <-w.ctx.Done():
		case <-time.After(reopenDelay):
		}
	}
}

func (w *Watcher) scan(deviceID string, rc io.ReadCloser) {
	stop := context.AfterFunc(w.ctx, func() { rc.Close() })
	defer stop()
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		w.Observe(deviceID, sc.Text())
	}
	if err := sc.Err(); err != nil && w.ctx.Err() == nil {
		w.cfg.Logger.Warn("device log stream failed",
			slog.String("device", deviceID),
			slog.String("error", err.Error()))
	}
}
