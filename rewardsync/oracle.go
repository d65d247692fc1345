// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// StaticOracle is a manually switched connectivity oracle. Used by tests and
// by hosts that receive reachability callbacks from the platform.
type StaticOracle struct {
	online int32
}

// NewStaticOracle creates an oracle with an initial state.
func NewStaticOracle(online bool) *StaticOracle {
	o := &StaticOracle{}
	o.Set(online)
	return o
}

func (o *StaticOracle) HasConnection() bool {
	return atomic.LoadInt32(&o.online) == 1
}

// Set switches the reported state.
func (o *StaticOracle) Set(online bool) {
	if online {
		atomic.StoreInt32(&o.online, 1)
	} else {
		atomic.StoreInt32(&o.online, 0)
	}
}

// ProbeOracle reports reachability by issuing a HEAD request against the
// remote base URL, caching the answer for a short TTL so hot read paths do
// not stampede the network. Advisory only.
type ProbeOracle struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu      sync.Mutex
	online  bool
	checked time.Time
}

// NewProbeOracle creates a probing oracle. A nil client uses a 3-second
// timeout; a zero ttl defaults to 5 seconds.
func NewProbeOracle(baseURL string, client *http.Client, ttl time.Duration) *ProbeOracle {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ProbeOracle{baseURL: baseURL, client: client, ttl: ttl}
}

func (o *ProbeOracle) HasConnection() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if time.Since(o.checked) < o.ttl {
		return o.online
	}
	o.online = o.probe()
	o.checked = time.Now()
	return o.online
}

func (o *ProbeOracle) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), o.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
