// Package vocab maps token strings to the dense ids a scorer consumes.
// Tables load from units-style text ("token id" per line) or from a JSON
// object of token to id; either way ids must cover 0..n-1 exactly.
package vocab

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Reserved sentence-boundary symbols. Vocabularies following the original
// convention assign both to one shared id.
const (
	SOS = "<s>"
	EOS = "</s>"
)

// Table is an immutable two-way token mapping. Token index equals token id.
type Table struct {
	ids    map[string]int
	tokens []string
}

// New builds a table from tokens ordered by id.
func New(tokens []string) (*Table, error) {
	t := &Table{
		ids:    make(map[string]int, len(tokens)),
		tokens: make([]string, len(tokens)),
	}
	copy(t.tokens, tokens)
	for id, tok := range t.tokens {
		if tok == "" {
			return nil, fmt.Errorf("token %d is empty", id)
		}
		if prev, ok := t.ids[tok]; ok {
			return nil, fmt.Errorf("token %q assigned to both id %d and id %d", tok, prev, id)
		}
		t.ids[tok] = id
	}
	return t, nil
}

// Load reads a vocabulary file, accepting either format. A leading "{"
// selects the JSON object form.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t *Table
	if isJSONObject(data) {
		t, err = ParseJSON(data)
	} else {
		t, err = ParseUnits(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// ParseUnits parses "token id" lines. Blank lines are skipped; entries may
// appear in any order.
func ParseUnits(data []byte) (*Table, error) {
	var entries []entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"token id\", got %q", line, sc.Text())
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: token id %q: %w", line, fields[1], err)
		}
		entries = append(entries, entry{tok: fields[0], id: id})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return fromEntries(entries)
}

// ParseJSON parses a {"token": id, ...} object.
func ParseJSON(data []byte) (*Table, error) {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse vocab json: %w", err)
	}
	entries := make([]entry, 0, len(m))
	for tok, id := range m {
		entries = append(entries, entry{tok: tok, id: id})
	}
	return fromEntries(entries)
}

type entry struct {
	tok string
	id  int
}

func fromEntries(entries []entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	maxID := -1
	for _, e := range entries {
		if e.id < 0 {
			return nil, fmt.Errorf("token %q: negative id %d", e.tok, e.id)
		}
		if e.id > maxID {
			maxID = e.id
		}
	}
	tokens := make([]string, maxID+1)
	filled := make([]bool, maxID+1)
	for _, e := range entries {
		if filled[e.id] {
			return nil, fmt.Errorf("id %d assigned twice", e.id)
		}
		filled[e.id] = true
		tokens[e.id] = e.tok
	}
	for id, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("id %d missing: ids must be dense from 0", id)
		}
	}
	return New(tokens)
}

// ID returns the id for a token.
func (t *Table) ID(token string) (int, bool) {
	id, ok := t.ids[token]
	return id, ok
}

// Token returns the surface string for an id.
func (t *Table) Token(id int) (string, bool) {
	if id < 0 || id >= len(t.tokens) {
		return "", false
	}
	return t.tokens[id], true
}

// Size returns the number of tokens.
func (t *Table) Size() int {
	return len(t.tokens)
}

// Tokens returns the surface strings ordered by id. The slice is shared;
// callers must not modify it.
func (t *Table) Tokens() []string {
	return t.tokens
}

// IDs maps token strings to ids, failing on the first unknown token.
func (t *Table) IDs(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := t.ids[tok]
		if !ok {
			return nil, fmt.Errorf("token %q not in vocabulary", tok)
		}
		out[i] = id
	}
	return out, nil
}

// Strings maps ids back to token strings, failing on the first id outside
// the table.
func (t *Table) Strings(ids []int) ([]string, error) {
	out := make([]string, len(ids))
	for i, id := range ids {
		tok, ok := t.Token(id)
		if !ok {
			return nil, fmt.Errorf("id %d not in vocabulary (size %d)", id, len(t.tokens))
		}
		out[i] = tok
	}
	return out, nil
}
