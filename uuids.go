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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// A UUIDAllocator hands out document ids for documents saved without one.
// Implementations must be safe for concurrent use.
type UUIDAllocator interface {
	Next(ctx context.Context) (string, error)
}

// Number of times ServerUUIDs will try to refill its pool before giving up.
const uuidRefillAttempts = 3

const DefaultUUIDBatchSize = 100

// ServerUUIDs allocates ids fetched from the server's /_uuids endpoint, keeping a
// local pool so that only one request in batchSize goes to the server.
type ServerUUIDs struct {
	transport Transport
	path      string
	mu        sync.Mutex // Protects uuids
	uuids     []string
}

func NewServerUUIDs(transport Transport, batchSize int) *ServerUUIDs {
	if batchSize <= 0 {
		batchSize = DefaultUUIDBatchSize
	}
	return &ServerUUIDs{
		transport: transport,
		path:      fmt.Sprintf("/_uuids?count=%d", batchSize),
	}
}

func (s *ServerUUIDs) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < uuidRefillAttempts; i++ {
		if n := len(s.uuids); n > 0 {
			id := s.uuids[n-1]
			s.uuids = s.uuids[:n-1]
			return id, nil
		}
		var more struct {
			UUIDs []string `json:"uuids"`
		}
		if err := s.transport.Get(ctx, s.path, &more); err != nil {
			return "", err
		}
		debug(ctx, "fetched %d uuids", len(more.UUIDs))
		s.uuids = append(s.uuids, more.UUIDs...)
	}
	return "", ErrNoUUIDs
}

// Size returns the number of ids left in the local pool.
func (s *ServerUUIDs) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uuids)
}

// TimeUUIDs allocates time-based ids: 48 bits of milliseconds since the Unix epoch,
// 16 bits of process id and 64 bits of random sequence, as 32 hex digits. Ids sort
// in creation order, so _all_docs and views with equal keys come back in a natural
// order.
type TimeUUIDs struct{}

func (TimeUUIDs) Next(ctx context.Context) (string, error) {
	return NewUUIDSeq(time.Time{}).Next(ctx)
}

// Bulk returns a sequence of consecutive ids sharing one timestamp, so that the
// order of a bulk insert is kept. A zero t means now.
func (TimeUUIDs) Bulk(t time.Time) *UUIDSeq {
	return NewUUIDSeq(t)
}

// Upper bound of the random starting point, leaving room for 2^32 increments.
const uuidSeqRandMax = ^uint64(0) - (1 << 32) + 1

// UUIDSeq produces consecutive time-based ids.
type UUIDSeq struct {
	mu  sync.Mutex
	ms  int64
	pid uint16
	seq uint64
	set bool
}

func NewUUIDSeq(t time.Time) *UUIDSeq {
	if t.IsZero() {
		t = time.Now()
	}
	return &UUIDSeq{
		ms:  t.UnixMilli(),
		pid: uint16(os.Getpid() & 0xffff),
	}
}

func (s *UUIDSeq) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.seq++
	} else {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoUUIDs, err)
		}
		s.seq = binary.BigEndian.Uint64(b[:]) % uuidSeqRandMax
		s.set = true
	}
	return fmt.Sprintf("%012x%04x%016x", s.ms, s.pid, s.seq), nil
}

// UUIDTime returns the creation time encoded in a TimeUUIDs id.
func UUIDTime(id string) (time.Time, bool) {
	if len(id) < 12 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(id[:12], 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// RandomUUIDs allocates random (version 4) ids in CouchDB's undashed form.
type RandomUUIDs struct{}

func (RandomUUIDs) Next(ctx context.Context) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoUUIDs, err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

var (
	_ UUIDAllocator = &ServerUUIDs{}
	_ UUIDAllocator = TimeUUIDs{}
	_ UUIDAllocator = &UUIDSeq{}
	_ UUIDAllocator = RandomUUIDs{}
)
