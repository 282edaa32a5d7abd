// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package spider

import (
	"context"
	"sync"
	"time"
)

// retryPacer spaces successive retry attempts against one host: the delay
// grows by a third on each failure and decays ten percent per success,
// never dropping below the configured floor.
type retryPacer struct {
	mu    sync.Mutex
	delay time.Duration
	floor time.Duration
}

func newRetryPacer(floor time.Duration) *retryPacer {
	return &retryPacer{delay: floor, floor: floor}
}

// wait sleeps for the current delay, or returns early with ctx's error if
// the caller is cancelled first.
func (p *retryPacer) wait(ctx context.Context) error {
	p.mu.Lock()
	d := p.delay
	p.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *retryPacer) failure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = p.delay * 4 / 3
}

func (p *retryPacer) success() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = max(p.delay*9/10, p.floor)
}
