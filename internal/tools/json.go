package tools

import (
	"context"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// JSON queries and edits JSON documents with gjson paths.
//
// Arguments: "op" (query, set, delete, valid; default query), "path", and
// the document as either "json" (text) or "file". "value" is the new value
// for set. Edits to a file are written back; edits to text return the new
// document.
type JSON struct{}

// NewJSON returns the json tool.
func NewJSON() *JSON { return &JSON{} }

// Name implements Tool.
func (j *JSON) Name() string { return "json" }

// Run implements Tool.
func (j *JSON) Run(_ context.Context, args map[string]any) Output {
	file := stringArg(args, "file")
	doc := stringArg(args, "json")
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Fail("reading %s: %v", file, err)
		}
		doc = string(data)
	}
	if !gjson.Valid(doc) {
		if stringArg(args, "op") == "valid" {
			return Ok("false")
		}
		return Fail("document is not valid JSON")
	}

	path := stringArg(args, "path")
	op := stringArg(args, "op")
	if op != "valid" && path == "" {
		return Fail("path is required")
	}

	var (
		updated string
		err     error
	)
	switch op {
	case "", "query":
		res := gjson.Get(doc, path)
		if !res.Exists() {
			return Fail("path %q not found", path)
		}
		return Ok(res.String())
	case "valid":
		return Ok("true")
	case "set":
		value, ok := args["value"]
		if !ok {
			return Fail("value is required for set")
		}
		updated, err = sjson.Set(doc, path, value)
	case "delete":
		updated, err = sjson.Delete(doc, path)
	default:
		return Fail("unknown op %q", op)
	}
	if err != nil {
		return Fail("%s %q: %v", op, path, err)
	}

	if file == "" {
		return Ok(updated)
	}
	if err := os.WriteFile(file, pretty.Pretty([]byte(updated)), 0644); err != nil {
		return Fail("writing %s: %v", file, err)
	}
	return Ok(file)
}
