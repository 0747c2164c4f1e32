//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Keys in ascending collation order.
var collationOrder = []string{
	`null`,
	`false`,
	`true`,
	`-1`,
	`0`,
	`1.5`,
	`2`,
	`"a"`,
	`"aa"`,
	`"b"`,
	`"B"`,
	`"ba"`,
	`[]`,
	`[null]`,
	`["a"]`,
	`["a", 1]`,
	`["b"]`,
	`{}`,
	`{"a": 1}`,
	`{"a": 2}`,
	`{"b": 1}`,
}

func TestCollateJSON(t *testing.T) {
	keys := make([]interface{}, len(collationOrder))
	for i, src := range collationOrder {
		require.NoError(t, json.Unmarshal([]byte(src), &keys[i]), src)
	}
	var collator JSONCollator
	for i := range keys {
		assert.Equal(t, 0, collator.Collate(keys[i], keys[i]), "%s = %s", collationOrder[i], collationOrder[i])
		for j := i + 1; j < len(keys); j++ {
			assert.Equal(t, -1, collator.Collate(keys[i], keys[j]), "%s < %s", collationOrder[i], collationOrder[j])
			assert.Equal(t, 1, collator.Collate(keys[j], keys[i]), "%s > %s", collationOrder[j], collationOrder[i])
		}
	}
}

func TestCollateNumberTypes(t *testing.T) {
	assert.Equal(t, 0, CollateJSON(1, float64(1)))
	assert.Equal(t, 0, CollateJSON(int64(3), json.Number("3")))
	assert.Equal(t, -1, CollateJSON(json.Number("2.5"), 3))
}

func TestCompareRaw(t *testing.T) {
	assert.Equal(t, -1, compareRaw("B", "a"), "raw order is by code point")
	assert.Equal(t, 1, compareRaw("_design/x", "Z"))
	assert.Equal(t, 0, compareRaw("doc", "doc"))
	assert.Equal(t, -1, compareRaw(nil, "a"))
}
