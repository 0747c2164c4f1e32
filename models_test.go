//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"context"
	"errors"
)

// A model recording which hooks ran, and failing the ones named in fail.
type Bar struct {
	*Document
	calls []string
	fail  map[string]bool
}

func newBar(d *Document) Model {
	return &Bar{Document: d}
}

func (b *Bar) hook(name string) error {
	b.calls = append(b.calls, name)
	if b.fail[name] {
		return errors.New(name + " failed")
	}
	return nil
}

func (b *Bar) failOn(names ...string) *Bar {
	b.fail = map[string]bool{}
	for _, name := range names {
		b.fail[name] = true
	}
	return b
}

func (b *Bar) BeforeSave(ctx context.Context) error    { return b.hook("BeforeSave") }
func (b *Bar) BeforeCreate(ctx context.Context) error  { return b.hook("BeforeCreate") }
func (b *Bar) BeforeUpdate(ctx context.Context) error  { return b.hook("BeforeUpdate") }
func (b *Bar) AfterCreate(ctx context.Context) error   { return b.hook("AfterCreate") }
func (b *Bar) AfterUpdate(ctx context.Context) error   { return b.hook("AfterUpdate") }
func (b *Bar) AfterSave(ctx context.Context) error     { return b.hook("AfterSave") }
func (b *Bar) BeforeDestroy(ctx context.Context) error { return b.hook("BeforeDestroy") }
func (b *Bar) AfterDestroy(ctx context.Context) error  { return b.hook("AfterDestroy") }
func (b *Bar) AfterFind()                              { _ = b.hook("AfterFind") }
func (b *Bar) AfterInitialize()                        { _ = b.hook("AfterInitialize") }

// A model that allocates its own ids.
type Counter struct {
	*Document
	next *int
}

func (c *Counter) BeforeCreate(ctx context.Context) error {
	if c.ID() == "" {
		*c.next++
		c.SetID("counter-" + string(rune('0'+*c.next)))
	}
	return nil
}

// Returns a registry with Bar and Counter defined, and Bar's class.
func newTestRegistry() (*Registry, *Class) {
	r := NewRegistry()
	bar := r.Define("Bar", newBar)
	n := 0
	r.Define("Counter", func(d *Document) Model { return &Counter{Document: d, next: &n} })
	return r, bar
}
