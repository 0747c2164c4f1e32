//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// RowStream reads a view response without buffering all of it. It relies on the
// server writing one row per line:
//
//	{"total_rows":3,"offset":0,"rows":[
//	{"id":"a","key":"a","value":null},
//	{"id":"b","key":"b","value":null}
//	]}
//
// The first line is read eagerly by NewRowStream and held back; each later line that
// holds a complete JSON object (ignoring a trailing comma) is one row. Anything else
// is skipped. Once the rows are exhausted, Meta recovers total_rows/offset from the
// first line.
//
// A RowStream owns its connection for its whole life and must only be consumed by
// one goroutine.
type RowStream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	codec   Codec
	first   []byte
	done    bool
	closed  bool
	iterErr error
}

// NewRowStream wraps a response body. It reads the first line immediately; a read
// error at this point is kept and reported by Close.
func NewRowStream(body io.ReadCloser, codec Codec) *RowStream {
	if codec == nil {
		codec = JSONCodec{}
	}
	s := &RowStream{
		body:   body,
		reader: bufio.NewReader(body),
		codec:  codec,
	}
	line, err := s.reader.ReadBytes('\n')
	if len(line) > 0 {
		s.first = line
	}
	if err != nil {
		s.done = true
		if err != io.EOF {
			s.iterErr = err
		}
	}
	return s
}

// NextBytes returns the next well-formed row, or nil at the end of the stream.
func (s *RowStream) NextBytes() []byte {
	for !s.done {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			s.done = true
			if err != io.EOF {
				s.iterErr = err
			}
		}
		if row := parseRowLine(line); row != nil {
			return row
		}
	}
	return nil
}

// Next unmarshals the next row into valuePtr. Returns false at the end of the
// stream, or if a row could not be unmarshaled into valuePtr (see Close).
func (s *RowStream) Next(valuePtr interface{}) bool {
	if s.iterErr != nil {
		return false
	}
	row := s.NextBytes()
	if row == nil {
		return false
	}
	if err := s.codec.Unmarshal(row, valuePtr); err != nil {
		s.iterErr = err
		return false
	}
	return true
}

// One unmarshals the first row into valuePtr and closes the stream.
func (s *RowStream) One(valuePtr interface{}) error {
	if !s.Next(valuePtr) {
		if err := s.Close(); err != nil {
			return err
		}
		return ErrNoRows
	}
	_ = s.Close()
	return nil
}

// Close releases the connection. It returns any read error seen during iteration.
func (s *RowStream) Close() error {
	if !s.closed {
		s.closed = true
		if err := s.body.Close(); err != nil && s.iterErr == nil {
			return err
		}
	}
	return s.iterErr
}

// Done returns true once every row has been read.
func (s *RowStream) Done() bool {
	return s.done
}

// Meta returns the fields of the response wrapper (total_rows, offset, ...), or nil
// if the stream has not been drained yet or the first line can't be recovered.
func (s *RowStream) Meta() map[string]interface{} {
	if !s.done {
		return nil
	}
	return parseFirstLine(s.first, s.codec)
}

// Drain reads and discards any remaining rows.
func (s *RowStream) Drain() {
	for s.NextBytes() != nil {
	}
}

func parseRowLine(line []byte) []byte {
	line = bytes.TrimRight(line, "\r\n")
	line = bytes.TrimSuffix(line, []byte(","))
	if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
		return nil
	}
	if !json.Valid(line) {
		return nil
	}
	return line
}

func parseFirstLine(first []byte, codec Codec) (meta map[string]interface{}) {
	if len(first) == 0 {
		return nil
	}
	i := bytes.LastIndexByte(first, ',')
	if i < 0 {
		return nil
	}
	wrapper := make([]byte, 0, i+1)
	wrapper = append(wrapper, first[:i]...)
	wrapper = append(wrapper, '}')
	if err := codec.Unmarshal(wrapper, &meta); err != nil {
		return nil
	}
	return meta
}
