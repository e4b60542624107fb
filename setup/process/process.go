// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ProcessContext is a wrapper around a process-wide context. Long-running
// components register themselves with ComponentStarted/ComponentFinished so
// that shutdown can wait for them to drain.
type ProcessContext struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

// Context returns the process-wide context, cancelled on shutdown.
func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process context") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// ShutdownPollserver cancels the process context. Safe to call more than once.
func (b *ProcessContext) ShutdownPollserver() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown()
}

// WaitForShutdown returns a channel closed when shutdown has been requested.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish blocks until every registered component has
// called ComponentFinished.
func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
	logrus.Info("All components have finished")
}
