// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/erigontech/chaindata/chainstore/common"
)

// EventKind tags Event's payload. Go has no sum types, so Event carries
// every field and Kind says which are meaningful - mirroring the
// DataEvent enum of the ingest pipeline this merges into a single
// source.
type EventKind uint8

const (
	EventFinalizedHead EventKind = iota
	EventBlock
	EventFork
	EventMaybeOnHead
)

// Event is one item of spec §4.7's "lazy, potentially infinite,
// non-restartable" emitted sequence.
type Event struct {
	Kind EventKind

	FinalizedHead common.BlockRef // valid when Kind == EventFinalizedHead
	Block         Block           // valid when Kind == EventBlock
	IsFinal       bool            // valid when Kind == EventBlock
	ForkChain     []common.BlockRef // valid when Kind == EventFork
}

type endpointState uint8

const (
	stateReady endpointState = iota
	stateStream
	stateFork
	stateBackoff
)

type clientState struct {
	client DataClient
	state  endpointState

	stream              BlockStream
	streamFinalizedHead *common.BlockNumber

	forkReqFirstBlock common.BlockNumber
	forkPrevBlocks    []common.BlockRef

	backoff      *tableBackOff
	backoffUntil time.Time

	// everAccepted is set the first time a block from this endpoint is
	// accepted into the canonical position. MaybeOnHead's Open Question
	// (spec.md §9) is resolved by gating on it: an endpoint that has
	// never contributed a committed block never reports MaybeOnHead.
	everAccepted bool
}

const defaultPollWait = 50 * time.Millisecond

// Option configures a Source at construction.
type Option func(*Source)

// WithPollWait bounds how long Poll waits on a single streaming
// endpoint's next block before round-robining to the next one. Smaller
// values make Poll more responsive to other endpoints at the cost of
// more wakeups; default 50ms.
func WithPollWait(d time.Duration) Option {
	return func(s *Source) { s.pollWait = d }
}

// WithLogger attaches structured logging (spec §7: "injected, never
// implicit"). Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source merges N DataClients into one canonical block sequence. It is
// not safe for concurrent use: Poll is meant to be driven by a single
// goroutine, matching spec §5's "ingest pipeline is single-threaded
// cooperative".
type Source struct {
	clients []*clientState

	firstBlock      common.BlockNumber
	parentBlockHash *common.Hash
	// canonical is true once the position has been seeded by at least
	// one accepted block (or a caller-supplied parent hash) - see
	// acceptFinalizedHead and maybeOnHead.
	canonical bool

	finalizedHead *common.BlockRef

	pollWait time.Duration
	logger   *zap.Logger
}

// NewSource starts ingest at firstBlock, optionally asserting the parent
// hash expected there (nil for a fresh/genesis position).
func NewSource(clients []DataClient, firstBlock common.BlockNumber, parentBlockHash *common.Hash, opts ...Option) *Source {
	s := &Source{
		firstBlock:      firstBlock,
		parentBlockHash: parentBlockHash,
		canonical:       parentBlockHash != nil,
		pollWait:        defaultPollWait,
		logger:          zap.NewNop(),
	}
	for _, c := range clients {
		s.clients = append(s.clients, &clientState{client: c, backoff: newTableBackOff()})
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reposition drops all per-endpoint in-flight state and restarts every
// endpoint at Ready against a new (firstBlock, parentBlockHash)
// position - the data-source side of fork reconciliation (spec §4.8:
// "commands the data source to reposition").
func (s *Source) Reposition(firstBlock common.BlockNumber, parentBlockHash *common.Hash) {
	s.firstBlock = firstBlock
	s.parentBlockHash = parentBlockHash
	s.canonical = parentBlockHash != nil
	s.finalizedHead = nil
	for _, c := range s.clients {
		c.state = stateReady
		c.stream = nil
		c.streamFinalizedHead = nil
		c.forkPrevBlocks = nil
	}
}

// Poll drives every endpoint's state machine forward until exactly one
// Event is ready to emit, blocking on network I/O and backoff timers as
// needed. Cancelling ctx unblocks Poll with ctx.Err() - spec §5's
// "dropping the ingest source cancels all per-endpoint futures".
func (s *Source) Poll(ctx context.Context) (Event, error) {
	if len(s.clients) == 0 {
		return Event{}, errors.New("ingest: source has no endpoints")
	}

	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		anyBusy := false
		var earliestBackoff time.Time

		for _, c := range s.clients {
			switch c.state {
			case stateBackoff:
				if time.Now().Before(c.backoffUntil) {
					if earliestBackoff.IsZero() || c.backoffUntil.Before(earliestBackoff) {
						earliestBackoff = c.backoffUntil
					}
					continue
				}
				c.state = stateReady
				fallthrough

			case stateReady:
				anyBusy = true
				req := BlockStreamRequest{FirstBlock: s.firstBlock}
				if s.parentBlockHash != nil {
					h := *s.parentBlockHash
					req.ParentBlockHash = &h
				}
				resp, err := c.client.Stream(ctx, req)
				if err != nil {
					var forkErr *ForkError
					switch {
					case errors.As(err, &forkErr):
						c.state = stateFork
						c.forkReqFirstBlock = s.firstBlock
						c.forkPrevBlocks = forkErr.PrevBlocks
						if ev, ok := s.checkForkQuorum(); ok {
							return ev, nil
						}
					case c.client.IsRetryable(err):
						s.backoffClient(c)
					default:
						return Event{}, fmt.Errorf("ingest: endpoint stream request failed: %w", err)
					}
					continue
				}
				c.backoff.Reset()
				c.state = stateStream
				c.stream = resp.Blocks
				c.streamFinalizedHead = nil
				if resp.FinalizedHead != nil {
					n := resp.FinalizedHead.Number
					c.streamFinalizedHead = &n
					if ev, ok := s.acceptFinalizedHead(*resp.FinalizedHead); ok {
						return ev, nil
					}
				}

			case stateStream:
				anyBusy = true
				pollCtx, cancel := context.WithTimeout(ctx, s.pollWait)
				blk, err := c.stream.Next(pollCtx)
				cancel()
				if err != nil {
					switch {
					case errors.Is(err, context.DeadlineExceeded):
						// nothing new from this endpoint yet this round
					case errors.Is(err, io.EOF):
						ended := c
						c.state = stateReady
						c.stream = nil
						if ev, ok := s.maybeOnHead(ended); ok {
							return ev, nil
						}
					default:
						var forkErr *ForkError
						switch {
						case errors.As(err, &forkErr):
							c.state = stateFork
							c.stream = nil
							c.forkReqFirstBlock = s.firstBlock
							c.forkPrevBlocks = forkErr.PrevBlocks
							if ev, ok := s.checkForkQuorum(); ok {
								return ev, nil
							}
						case c.client.IsRetryable(err):
							s.backoffClient(c)
						default:
							return Event{}, fmt.Errorf("ingest: endpoint stream failed: %w", err)
						}
					}
					continue
				}
				c.backoff.Reset()
				if ev, ok := s.acceptBlock(c, blk); ok {
					return ev, nil
				}

			case stateFork:
				anyBusy = true
				if ev, ok := s.checkForkQuorum(); ok {
					return ev, nil
				}
			}
		}

		if !anyBusy {
			if earliestBackoff.IsZero() {
				return Event{}, errors.New("ingest: no endpoint is active and none is backing off")
			}
			if err := sleepUntil(ctx, earliestBackoff); err != nil {
				return Event{}, err
			}
		}
	}
}

func (s *Source) backoffClient(c *clientState) {
	c.state = stateBackoff
	c.backoffUntil = time.Now().Add(c.backoff.NextBackOff())
}

// acceptBlock applies spec §4.7's per-block correctness rule: emitted
// only if number >= position, and only if its parent hash matches the
// remembered one; a mismatch restarts the endpoint at Ready rather than
// failing it.
func (s *Source) acceptBlock(c *clientState, blk Block) (Event, bool) {
	if blk.Number() < s.firstBlock {
		return Event{}, false
	}
	if s.parentBlockHash != nil && blk.ParentHash() != *s.parentBlockHash {
		c.state = stateReady
		c.stream = nil
		return Event{}, false
	}

	hash := blk.Hash()
	s.parentBlockHash = &hash
	s.firstBlock = blk.Number() + 1
	s.canonical = true
	c.everAccepted = true

	isFinal := c.streamFinalizedHead != nil && *c.streamFinalizedHead >= blk.Number()
	return Event{Kind: EventBlock, Block: blk, IsFinal: isFinal}, true
}

// acceptFinalizedHead applies the monotonic-and-canonical gate of spec
// §4.7: advances only if ref is newer than the current finalized number
// and either precedes the current position or the position is already
// canonical (seeded by an accepted block).
func (s *Source) acceptFinalizedHead(ref common.BlockRef) (Event, bool) {
	if s.finalizedHead != nil && ref.Number <= s.finalizedHead.Number {
		return Event{}, false
	}
	if !(ref.Number < s.firstBlock || s.canonical) {
		return Event{}, false
	}
	s.finalizedHead = &ref
	if ref.Number < s.firstBlock {
		return Event{Kind: EventFinalizedHead, FinalizedHead: ref}, true
	}
	return Event{}, false
}

// maybeOnHead emits MaybeOnHead when c's stream has ended, the source is
// canonical and c has contributed at least one accepted block; it never
// fires for an endpoint that has not. It does not check whether the
// ended stream yielded any blocks, nor whether c's last accepted block
// is firstBlock-1.
func (s *Source) maybeOnHead(c *clientState) (Event, bool) {
	if !c.everAccepted || !s.canonical {
		return Event{}, false
	}
	return Event{Kind: EventMaybeOnHead}, true
}

// checkForkQuorum implements spec §4.7's fork quorum rule: a Fork event
// fires only once a majority of active endpoints (all of them, if two or
// fewer are active) report a fork at the same request position, with the
// longest reported prev_blocks chain winning.
func (s *Source) checkForkQuorum() (Event, bool) {
	active := 0
	forked := 0
	var longest []common.BlockRef
	for _, c := range s.clients {
		if c.state == stateBackoff {
			continue
		}
		active++
		if c.state == stateFork && c.forkReqFirstBlock == s.firstBlock {
			forked++
			if len(c.forkPrevBlocks) > len(longest) {
				longest = c.forkPrevBlocks
			}
		}
	}
	if active == 0 {
		return Event{}, false
	}
	required := active
	if active > 2 {
		required = active/2 + 1
	}
	if forked < required {
		return Event{}, false
	}
	return Event{Kind: EventFork, ForkChain: longest}, true
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
