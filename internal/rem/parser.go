/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rem implements the retrieval engine: a small query dialect with
// five modes (lookup, search, fuzzy, traverse, raw read-only SQL) executed
// against the KV index, the embedding tables and the entity tables.
package rem

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse indicates a malformed query. The wrapped message carries the
// offending position.
var ErrParse = errors.New("query parse error")

// Mode is a query's dispatch mode.
type Mode string

const (
	ModeLookup   Mode = "lookup"
	ModeSearch   Mode = "search"
	ModeFuzzy    Mode = "fuzzy"
	ModeTraverse Mode = "traverse"
	ModeSQL      Mode = "sql"
)

// Query is a parsed query ready for dispatch.
type Query struct {
	Mode Mode
	// Text is the key (lookup, traverse), the search text (search, fuzzy)
	// or the raw statement (sql).
	Text          string
	Table         string
	Category      string
	Limit         int
	MinSimilarity float64
	Depth         int
	EdgeType      string
	Load          bool
}

// writeKeywords are rejected in raw SQL mode. Matched on word boundaries,
// case-insensitive.
var writeKeywords = regexp.MustCompile(`(?i)\b(DROP|TRUNCATE|ALTER|DELETE|INSERT|UPDATE|GRANT|REVOKE)\b`)

func parseErr(pos int, format string, args ...any) error {
	return fmt.Errorf("%w at position %d: %s", ErrParse, pos, fmt.Sprintf(format, args...))
}

// parser walks the input one token at a time, tracking byte positions for
// error reporting.
type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *parser) done() bool {
	p.skipSpace()
	return p.pos >= len(p.input)
}

// word reads the next bare word without consuming it on failure.
func (p *parser) word() (string, int) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != ' ' && p.input[p.pos] != '\t' && p.input[p.pos] != '\n' {
		p.pos++
	}
	return p.input[start:p.pos], start
}

// quoted reads a double-quoted string.
func (p *parser) quoted() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '"' {
		return "", parseErr(p.pos, "expected quoted string")
	}
	start := p.pos
	p.pos++
	var b strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == '\\' && p.pos+1 < len(p.input) {
			p.pos++
			b.WriteByte(p.input[p.pos])
			p.pos++
			continue
		}
		if ch == '"' {
			p.pos++
			return b.String(), nil
		}
		b.WriteByte(ch)
		p.pos++
	}
	return "", parseErr(start, "unterminated quoted string")
}

func (p *parser) intOption(name string) (int, error) {
	w, pos := p.word()
	n, err := strconv.Atoi(w)
	if err != nil || n < 0 {
		return 0, parseErr(pos, "%s expects a non-negative integer, got %q", name, w)
	}
	return n, nil
}

func (p *parser) floatOption(name string) (float64, error) {
	w, pos := p.word()
	f, err := strconv.ParseFloat(w, 64)
	if err != nil || f < 0 || f > 1 {
		return 0, parseErr(pos, "%s expects a number in [0,1], got %q", name, w)
	}
	return f, nil
}

// Parse parses one query. Unknown prefixes fall through to raw SQL, which
// is rejected when it contains write keywords.
func Parse(input string) (*Query, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, parseErr(0, "empty query")
	}

	p := &parser{input: input}
	keyword, _ := p.word()

	switch strings.ToUpper(keyword) {
	case "LOOKUP":
		return p.parseLookup()
	case "SEARCH":
		return p.parseSearch()
	case "FUZZY":
		return p.parseFuzzy()
	case "TRAVERSE":
		return p.parseTraverse()
	default:
		if loc := writeKeywords.FindStringIndex(input); loc != nil {
			return nil, parseErr(loc[0], "write statements are not allowed: %s", input[loc[0]:loc[1]])
		}
		return &Query{Mode: ModeSQL, Text: trimmed}, nil
	}
}

func (p *parser) parseLookup() (*Query, error) {
	key, err := p.quoted()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		w, pos := p.word()
		return nil, parseErr(pos, "unexpected token %q", w)
	}
	return &Query{Mode: ModeLookup, Text: key}, nil
}

func (p *parser) parseSearch() (*Query, error) {
	text, err := p.quoted()
	if err != nil {
		return nil, err
	}

	q := &Query{Mode: ModeSearch, Text: text}
	for !p.done() {
		w, pos := p.word()
		switch strings.ToUpper(w) {
		case "FROM":
			q.Table, _ = p.word()
			if q.Table == "" {
				return nil, parseErr(pos, "FROM expects a table name")
			}
		case "CATEGORY":
			q.Category, _ = p.word()
			if q.Category == "" {
				return nil, parseErr(pos, "CATEGORY expects a value")
			}
		case "LIMIT":
			if q.Limit, err = p.intOption("LIMIT"); err != nil {
				return nil, err
			}
		case "MIN_SIMILARITY":
			if q.MinSimilarity, err = p.floatOption("MIN_SIMILARITY"); err != nil {
				return nil, err
			}
		default:
			return nil, parseErr(pos, "unexpected token %q", w)
		}
	}
	if q.Table == "" {
		return nil, parseErr(len(p.input), "SEARCH requires FROM <table>")
	}
	return q, nil
}

func (p *parser) parseFuzzy() (*Query, error) {
	text, err := p.quoted()
	if err != nil {
		return nil, err
	}

	q := &Query{Mode: ModeFuzzy, Text: text}
	for !p.done() {
		w, pos := p.word()
		switch strings.ToUpper(w) {
		case "LIMIT":
			if q.Limit, err = p.intOption("LIMIT"); err != nil {
				return nil, err
			}
		default:
			return nil, parseErr(pos, "unexpected token %q", w)
		}
	}
	return q, nil
}

func (p *parser) parseTraverse() (*Query, error) {
	key, err := p.quoted()
	if err != nil {
		return nil, err
	}

	q := &Query{Mode: ModeTraverse, Text: key, Depth: 1}
	for !p.done() {
		w, pos := p.word()
		switch strings.ToUpper(w) {
		case "DEPTH":
			if q.Depth, err = p.intOption("DEPTH"); err != nil {
				return nil, err
			}
		case "TYPE":
			q.EdgeType, _ = p.word()
			if q.EdgeType == "" {
				return nil, parseErr(pos, "TYPE expects a relation name")
			}
		case "LOAD":
			q.Load = true
		default:
			return nil, parseErr(pos, "unexpected token %q", w)
		}
	}
	return q, nil
}
