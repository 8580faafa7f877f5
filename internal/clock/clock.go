// Package clock supplies the monotonic height that escrow deadlines are
// measured in. Time advances outside the system; escrow only reads it.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Source reports the current height.
type Source interface {
	Height(ctx context.Context) (uint64, error)
}

// Manual is a Source advanced explicitly. Tests use it to step past deadlines.
type Manual struct {
	h atomic.Uint64
}

// NewManual returns a manual clock at height start.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.h.Store(start)
	return m
}

func (m *Manual) Height(context.Context) (uint64, error) { return m.h.Load(), nil }

// Advance moves the clock forward by n and returns the new height.
func (m *Manual) Advance(n uint64) uint64 { return m.h.Add(n) }

// Set moves the clock to h. Heights never go backwards; Set ignores smaller values.
func (m *Manual) Set(h uint64) {
	for {
		cur := m.h.Load()
		if h <= cur || m.h.CompareAndSwap(cur, h) {
			return
		}
	}
}

// Wall derives a height from wall-clock time: one unit per interval since
// genesis. With a ten minute interval, 1008 units is seven days.
type Wall struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewWall creates a wall-clock height source.
func NewWall(genesis time.Time, interval time.Duration) (*Wall, error) {
	if interval <= 0 {
		return nil, errors.New("clock: interval must be positive")
	}
	return &Wall{genesis: genesis, interval: interval, now: time.Now}, nil
}

func (w *Wall) Height(context.Context) (uint64, error) {
	elapsed := w.now().Sub(w.genesis)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / w.interval), nil
}

// BlockNumberer is the part of an Ethereum client Chain needs.
type BlockNumberer interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Chain uses the head block number of an EVM chain as height.
type Chain struct {
	client BlockNumberer
	closer func()
}

// DialChain connects to an Ethereum JSON-RPC endpoint.
func DialChain(rpcURL string) (*Chain, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return &Chain{client: client, closer: client.Close}, nil
}

// NewChain wraps an existing client.
func NewChain(client BlockNumberer) *Chain {
	return &Chain{client: client}
}

func (c *Chain) Height(ctx context.Context) (uint64, error) {
	h, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return h, nil
}

// Close releases the RPC connection when Chain owns it.
func (c *Chain) Close() {
	if c.closer != nil {
		c.closer()
	}
}
