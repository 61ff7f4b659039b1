package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const resubscribeDelay = 5 * time.Second

// cursor tracks the last delivered log so reconnects resume without
// duplicates and without skipping same-block logs.
type cursor struct {
	block uint64
	index uint
	set   bool
}

func (c cursor) seen(lg types.Log) bool {
	if !c.set {
		return false
	}
	if lg.BlockNumber != c.block {
		return lg.BlockNumber < c.block
	}
	return lg.Index <= c.index
}

func (c *cursor) advance(lg types.Log) {
	c.block = lg.BlockNumber
	c.index = lg.Index
	c.set = true
}

// WatchEvents streams decoded escrow events on the returned channel, starting
// with a replay from fromBlock. Subscriptions are resumable: on any
// subscription failure the stream reconnects and replays from the last
// processed block. The channel closes when ctx is cancelled.
func (g *Gateway) WatchEvents(ctx context.Context, fromBlock uint64) (<-chan Event, error) {
	out := make(chan Event, 64)
	go g.watchLoop(ctx, fromBlock, out)
	return out, nil
}

func (g *Gateway) watchLoop(ctx context.Context, fromBlock uint64, out chan<- Event) {
	defer close(out)

	var cur cursor
	next := fromBlock
	for {
		err := g.streamOnce(ctx, next, &cur, out)
		if cur.set {
			next = cur.block
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			g.log.WithError(err).
				WithField("resume_block", next).
				Warn("event stream interrupted; reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

// streamOnce installs the live subscription, replays history from fromBlock,
// and then consumes the subscription until it fails or ctx is cancelled.
// Subscribing before the backfill means a log emitted while history is being
// read waits in the subscription buffer instead of being lost; the cursor
// dedups the overlap.
func (g *Gateway) streamOnce(ctx context.Context, fromBlock uint64, cur *cursor, out chan<- Event) error {
	query := ethereum.FilterQuery{Addresses: []common.Address{g.escrow}}

	ch := make(chan types.Log, 64)
	sub, err := g.backend.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	backfill := query
	backfill.FromBlock = new(big.Int).SetUint64(fromBlock)
	logs, err := g.backend.FilterLogs(ctx, backfill)
	if err != nil {
		return err
	}
	for _, lg := range logs {
		if !g.deliver(ctx, lg, cur, out) {
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case lg := <-ch:
			if !g.deliver(ctx, lg, cur, out) {
				return nil
			}
		}
	}
}

// deliver decodes and forwards one log, skipping duplicates and reorg
// removals. It returns false only when ctx is done.
func (g *Gateway) deliver(ctx context.Context, lg types.Log, cur *cursor, out chan<- Event) bool {
	if lg.Removed || cur.seen(lg) {
		return true
	}
	event, err := parseEvent(lg)
	if err != nil {
		g.log.WithError(err).
			WithField("block", lg.BlockNumber).
			Warn("drop undecodable escrow log")
		cur.advance(lg)
		return true
	}
	if event == nil {
		cur.advance(lg)
		return true
	}
	select {
	case out <- *event:
		cur.advance(lg)
		return true
	case <-ctx.Done():
		return false
	}
}
