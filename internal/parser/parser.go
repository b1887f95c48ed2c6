// Package parser splits JSON-lines telemetry into decoded objects and
// rejected lines. Malformed content never fails a parse; only I/O does.
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParsedLine is a line that decoded to a JSON object.
type ParsedLine struct {
	LineNumber int
	Object     map[string]any

	// Raw is the trimmed line text as written by the producer.
	Raw string
}

// RejectedLine is a line that could not be decoded to a JSON object.
type RejectedLine struct {
	LineNumber int
	RawText    string
	Reason     string
}

// Result holds the outcome of parsing one file.
type Result struct {
	Accepted []ParsedLine
	Rejected []RejectedLine

	// Lines is the number of lines read, blank lines included.
	Lines int
}

// Parse reads newline-delimited JSON from r. Line numbers are 1-based and
// count blank lines, which are otherwise skipped. Numbers are kept as
// json.Number.
func Parse(r io.Reader) (Result, error) {
	var res Result
	br := bufio.NewReader(r)

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			res.Lines++
			parseLine(&res, res.Lines, line)
		}
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("parser: read failed after line %d: %w", res.Lines, err)
		}
	}
}

// ParseFile opens path and parses its contents.
func ParseFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("parser: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(res *Result, n int, line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}

	obj, reason := decodeObject(text)
	if reason != "" {
		res.Rejected = append(res.Rejected, RejectedLine{LineNumber: n, RawText: text, Reason: reason})
		return
	}
	res.Accepted = append(res.Accepted, ParsedLine{LineNumber: n, Object: obj, Raw: text})
}

// decodeObject returns the decoded object or a rejection reason.
func decodeObject(text string) (map[string]any, string) {
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, "invalid JSON: " + err.Error()
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, "invalid JSON: " + err.Error()
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, "expected JSON object, got " + TypeName(v)
	}
	return obj, ""
}

// TypeName names the JSON type of a decoded value.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
