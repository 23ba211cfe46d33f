package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// buildParams combines the --params document with --set edits. Values
// that are valid JSON are set as JSON, anything else as a string. It
// returns nil when neither was given.
func buildParams(base string, sets []string) (json.RawMessage, error) {
	doc := strings.TrimSpace(base)
	if doc == "" && len(sets) == 0 {
		return nil, nil
	}
	if doc == "" {
		doc = "{}"
	}
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("--params is not valid JSON")
	}

	for _, set := range sets {
		path, value, ok := strings.Cut(set, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("--set %q: want path=value", set)
		}

		var err error
		if gjson.Valid(value) {
			doc, err = sjson.SetRaw(doc, path, value)
		} else {
			doc, err = sjson.Set(doc, path, value)
		}
		if err != nil {
			return nil, fmt.Errorf("--set %q: %w", set, err)
		}
	}

	return json.RawMessage(doc), nil
}

// formatResult narrows a result to query, if given, and formats it for
// printing. A query that matches nothing yields "null".
func formatResult(result json.RawMessage, query string, indent bool) []byte {
	out := []byte(result)
	if len(out) == 0 {
		out = []byte("null")
	}

	if query != "" {
		match := gjson.GetBytes(out, query)
		if !match.Exists() {
			out = []byte("null")
		} else {
			out = []byte(match.Raw)
		}
	}

	if indent {
		return pretty.Pretty(out)
	}
	out = pretty.Ugly(out)
	return append(out, '\n')
}
