//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const designPrefix = "_design/"

// Escapes a document id for use as a path segment. Design document ids keep their
// "_design/" prefix unescaped.
func escapeDocID(id string) string {
	if strings.HasPrefix(id, designPrefix) {
		return designPrefix + url.PathEscape(id[len(designPrefix):])
	}
	return url.PathEscape(id)
}

// Query parameters whose values must be sent as JSON.
var jsonParams = map[string]bool{
	"key":       true,
	"startkey":  true,
	"endkey":    true,
	"start_key": true,
	"end_key":   true,
}

// Appends params to path as a query string, in sorted key order.
func paramifyPath(path string, params Options, codec Codec) (string, error) {
	if len(params) == 0 {
		return path, nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := params[k]
		var s string
		if jsonParams[k] {
			data, err := codec.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("couchtiny: encoding %s parameter: %w", k, err)
			}
			s = string(data)
		} else {
			s = paramString(v)
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(s))
	}
	return path + "?" + strings.Join(parts, "&"), nil
}

func paramString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
