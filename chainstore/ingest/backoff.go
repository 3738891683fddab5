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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffTable is spec §4.7's fixed endpoint backoff schedule.
// tableBackOff walks it as a backoff.BackOff: Source only ever asks it
// for the next sleep duration and resets it on success, rather than
// driving it through backoff.Retry, since the surrounding poll loop is
// itself the retry control flow (spec §9's "explicit state machine, no
// hidden continuations" redesign flag) - backoff/v4 supplies just the
// BackOff interface; the table and its counter are defined here.
var backoffTable = []time.Duration{
	0,
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	5000 * time.Millisecond,
	10000 * time.Millisecond,
}

type tableBackOff struct {
	n int
}

var _ backoff.BackOff = (*tableBackOff)(nil)

func newTableBackOff() *tableBackOff { return &tableBackOff{} }

func (b *tableBackOff) NextBackOff() time.Duration {
	idx := b.n
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	b.n++
	return backoffTable[idx]
}

func (b *tableBackOff) Reset() { b.n = 0 }
