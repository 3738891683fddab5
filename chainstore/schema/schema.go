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

// Package schema is the per-chain-family table layout registry:
// chunkbuilder, table and query all learn what tables a DatasetKind has
// and what each table's Arrow schema and sort key are from here, the way
// erigon-lib/kv/tables.go centralizes the MDBX table list.
package schema

import (
	"fmt"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/erigontech/chaindata/chainstore/common"
)

// TableDescriptor is one table belonging to a dataset kind.
type TableDescriptor struct {
	Name string
	// Schema is the table's Arrow schema as the chunk builder writes it
	// and the query executor reads it back.
	Schema *arrow.Schema
	// SortKey is the column list rows are expected to arrive pre-sorted
	// by. compact does not read it: its merge uses the SortKey of
	// compact.Options.TableOptions.
	SortKey []string
}

// Descriptor is the full table layout of one DatasetKind.
type Descriptor struct {
	Kind   common.DatasetKind
	Tables []TableDescriptor
}

// Table looks up a table by name within this descriptor.
func (d Descriptor) Table(name string) (TableDescriptor, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDescriptor{}, false
}

// TableNames returns every table name this descriptor declares, in
// registration order.
func (d Descriptor) TableNames() []string {
	names := make([]string, len(d.Tables))
	for i, t := range d.Tables {
		names[i] = t.Name
	}
	return names
}

var (
	registryMu sync.RWMutex
	registry   = map[common.DatasetKind]Descriptor{}
)

// Register adds d to the registry, keyed by d.Kind. Called from each
// chain family's init(); a second registration for the same kind
// replaces the first (lets tests install a narrower fixture descriptor).
func Register(d Descriptor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Kind] = d
}

// Get returns the registered descriptor for kind, if any.
func Get(kind common.DatasetKind) (Descriptor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[kind]
	return d, ok
}

// MustGet is Get, panicking on an unregistered kind - for call sites
// where the kind is already known-valid (e.g. after CreateDataset
// succeeded against the same registry).
func MustGet(kind common.DatasetKind) Descriptor {
	d, ok := Get(kind)
	if !ok {
		panic(fmt.Sprintf("schema: no descriptor registered for dataset kind %s", kind))
	}
	return d
}
