// Package memory keeps a file-backed list of remembered facts and answers
// keyword searches over it.
package memory

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/zeebo/blake3"

	"github.com/user/convoy/internal/emit"
)

// Book stores one fact per line as "- <fact>" in a markdown file.
type Book struct {
	path string
	mu   sync.Mutex
}

func NewBook(path string) *Book {
	return &Book{path: path}
}

func (b *Book) Path() string { return b.path }

// ID derives a stable identifier for a fact.
func ID(content string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:6])
}

func (b *Book) load() ([]string, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	var facts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fact, ok := strings.CutPrefix(line, "- ")
		if !ok || fact == "" {
			continue
		}
		facts = append(facts, fact)
	}
	return facts, scanner.Err()
}

// Save appends a fact. It reports false when the fact was already present.
func (b *Book) Save(content string) (string, bool, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", false, fmt.Errorf("memory content is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	facts, err := b.load()
	if err != nil {
		return "", false, err
	}
	id := ID(content)
	for _, f := range facts {
		if f == content {
			return id, false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return "", false, fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", false, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("- " + content + "\n"); err != nil {
		return "", false, fmt.Errorf("write memory: %w", err)
	}
	return id, true, nil
}

func (b *Book) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

// Search ranks facts by the share of query words they contain. Facts with
// no matching word are left out.
func (b *Book) Search(ctx context.Context, query string, limit int) ([]emit.MemoryHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := tokenize(query)
	if len(words) == 0 {
		return nil, nil
	}
	facts, err := b.List()
	if err != nil {
		return nil, err
	}

	var hits []emit.MemoryHit
	for _, fact := range facts {
		have := make(map[string]bool)
		for _, w := range tokenize(fact) {
			have[w] = true
		}
		matched := 0
		for _, w := range words {
			if have[w] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, emit.MemoryHit{
			ID:      ID(fact),
			Content: fact,
			Score:   float64(matched) / float64(len(words)),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "to": true,
	"of": true, "and": true, "or": true, "in": true, "on": true, "my": true,
	"i": true, "you": true, "what": true, "do": true, "me": true, "it": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

var _ emit.MemorySource = (*Book)(nil)
