// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/Yellowbox-AU/debugbridge/pkg/handler"
)

// sessionHandler stops the bridge when a frontend session ends, unless the
// bridge runs in watch mode. A session replaced by a reloaded frontend does
// not count as ended.
type sessionHandler struct {
	handler.Handler
	watch bool
	stop  context.CancelFunc
}

var _ handler.Handler = (*sessionHandler)(nil)

func (h *sessionHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	err := h.Handler.OnDisconnect(ctx, hctx)
	if !h.watch && !hctx.Replaced {
		h.stop()
	}
	return err
}
