//  Copyright (c) 2013 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package couchtest

import (
	"cmp"
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Position of each kind of JSON value in view key order. Values of a kind this
// package doesn't produce sort after everything else.
type jsonRank int

const (
	rankNull jsonRank = iota
	rankFalse
	rankTrue
	rankNumber
	rankString
	rankArray
	rankObject
	rankUnknown
)

// Strings collate per ICU's root locale, so "a" < "B" < "b".
var collationLocale = func() language.Tag {
	if tag, err := language.Parse("icu"); err == nil {
		return tag
	}
	return language.Und
}()

// Collators shared by CollateJSON; a collate.Collator can't be used concurrently.
var collatorPool = sync.Pool{
	New: func() interface{} { return collate.New(collationLocale) },
}

// JSONCollator compares view keys the way CouchDB orders them. The zero value is
// ready to use, but not on more than one goroutine at a time.
type JSONCollator struct {
	strings *collate.Collator
}

// CollateJSON compares two keys with a pooled collator. It is safe for concurrent use.
func CollateJSON(key1, key2 interface{}) int {
	c := collatorPool.Get().(*collate.Collator)
	defer collatorPool.Put(c)
	collator := JSONCollator{strings: c}
	return collator.Collate(key1, key2)
}

// Collate returns -1, 0 or 1 as key1 sorts before, with or after key2.
// See https://docs.couchdb.org/en/stable/ddocs/views/collation.html
func (c *JSONCollator) Collate(key1, key2 interface{}) int {
	rank1, rank2 := rankOf(key1), rankOf(key2)
	if rank1 != rank2 {
		return cmp.Compare(rank1, rank2)
	}
	switch rank1 {
	case rankNumber:
		n1, _ := toFloat(key1)
		n2, _ := toFloat(key2)
		return cmp.Compare(n1, n2)
	case rankString:
		return c.compareStrings(key1.(string), key2.(string))
	case rankArray:
		return c.compareArrays(key1.([]interface{}), key2.([]interface{}))
	case rankObject:
		return c.compareObjects(key1.(map[string]interface{}), key2.(map[string]interface{}))
	}
	return 0
}

func rankOf(value interface{}) jsonRank {
	switch v := value.(type) {
	case nil:
		return rankNull
	case bool:
		if v {
			return rankTrue
		}
		return rankFalse
	case string:
		return rankString
	case []interface{}:
		return rankArray
	case map[string]interface{}:
		return rankObject
	}
	if _, ok := toFloat(value); ok {
		return rankNumber
	}
	return rankUnknown
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func (c *JSONCollator) compareStrings(s1, s2 string) int {
	if c.strings == nil {
		c.strings = collate.New(collationLocale)
	}
	return c.strings.CompareString(s1, s2)
}

// Arrays compare element by element; a prefix sorts first.
func (c *JSONCollator) compareArrays(a1, a2 []interface{}) int {
	for i := 0; i < len(a1) && i < len(a2); i++ {
		if r := c.Collate(a1[i], a2[i]); r != 0 {
			return r
		}
	}
	return cmp.Compare(len(a1), len(a2))
}

// Objects compare as lists of key/value pairs in sorted key order.
func (c *JSONCollator) compareObjects(o1, o2 map[string]interface{}) int {
	keys1, keys2 := sortedKeys(o1), sortedKeys(o2)
	for i := 0; i < len(keys1) && i < len(keys2); i++ {
		if r := c.compareStrings(keys1[i], keys2[i]); r != 0 {
			return r
		}
		if r := c.Collate(o1[keys1[i]], o2[keys2[i]]); r != 0 {
			return r
		}
	}
	return cmp.Compare(len(keys1), len(keys2))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Orders _all_docs keys, which are document ids, by code point rather than
// collation. Non-string keys fall back to CollateJSON.
func compareRaw(key1, key2 interface{}) int {
	s1, ok1 := key1.(string)
	s2, ok2 := key2.(string)
	if !ok1 || !ok2 {
		return CollateJSON(key1, key2)
	}
	return cmp.Compare(s1, s2)
}
