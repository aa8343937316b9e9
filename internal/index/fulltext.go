package index

import (
	"context"
	"encoding/binary"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// BM25 tuning parameters, matched to the usual Okapi BM25 defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var tokenRegexp = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// tokenize splits text into lowercased word/identifier tokens, further
// splitting camelCase and snake_case identifiers so "getUserById" indexes
// as "get", "user", "by", "id". Tokens shorter than 2 runes are dropped.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegexp.FindAllString(text, -1) {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len([]rune(lower)) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var out []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				out = append(out, splitCamelCase(part)...)
			}
		}
		return out
	}
	return splitCamelCase(token)
}

func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				if cur.Len() > 0 {
					out = append(out, cur.String())
					cur.Reset()
				}
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// termFreqs counts token occurrences, returning both the counts and the
// total token count (document length).
func termFreqs(tokens []string) (map[string]uint32, int) {
	freqs := make(map[string]uint32, len(tokens))
	for _, t := range tokens {
		freqs[t]++
	}
	return freqs, len(tokens)
}

func (m *Manager) applyFulltextColumn(ctx context.Context, txn *mvcc.Txn, table, pk string, col ColumnConfig, old, next codec.Entity) error {
	oldText := textField(old, col.Name)
	newText := textField(next, col.Name)
	if oldText == newText {
		return nil
	}

	oldFreqs, oldLen := termFreqs(tokenize(oldText))
	newFreqs, newLen := termFreqs(tokenize(newText))

	lenKey := keys.FulltextDocLen(table, col.Name, pk)
	statsKey := keys.FulltextStats(table, col.Name)

	hadDoc := oldLen > 0
	hasDoc := newLen > 0

	for term := range oldFreqs {
		if _, stillPresent := newFreqs[term]; !stillPresent {
			if err := txn.Delete(ctx, keys.Fulltext(table, col.Name, term, pk)); err != nil {
				return err
			}
		}
	}
	for term, freq := range newFreqs {
		if oldFreqs[term] == freq {
			continue
		}
		if err := txn.Put(ctx, keys.Fulltext(table, col.Name, term, pk), encodeUint32(freq)); err != nil {
			return err
		}
	}

	if hasDoc {
		if err := txn.Put(ctx, lenKey, encodeUint32(uint32(newLen))); err != nil {
			return err
		}
	} else if hadDoc {
		if err := txn.Delete(ctx, lenKey); err != nil {
			return err
		}
	}

	docDelta, lenDelta := 0, 0
	switch {
	case hadDoc && hasDoc:
		lenDelta = newLen - oldLen
	case hasDoc && !hadDoc:
		docDelta, lenDelta = 1, newLen
	case hadDoc && !hasDoc:
		docDelta, lenDelta = -1, -oldLen
	}
	if docDelta != 0 || lenDelta != 0 {
		return m.adjustStats(ctx, txn, statsKey, docDelta, lenDelta)
	}
	return nil
}

func textField(e codec.Entity, name string) string {
	v, ok := fieldValue(e, name)
	if !ok || v.Tag != codec.TagString {
		return ""
	}
	return v.Str
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (m *Manager) adjustStats(ctx context.Context, txn *mvcc.Txn, statsKey []byte, docDelta, lenDelta int) error {
	docCount, totalLen, err := m.readStats(txn, statsKey)
	if err != nil {
		return err
	}
	docCount += docDelta
	totalLen += lenDelta
	if docCount < 0 {
		docCount = 0
	}
	if totalLen < 0 {
		totalLen = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf, uint32(docCount))
	binary.BigEndian.PutUint32(buf[4:], uint32(totalLen))
	return txn.Put(ctx, statsKey, buf)
}

func (m *Manager) readStats(txn *mvcc.Txn, statsKey []byte) (docCount, totalLen int, err error) {
	raw, getErr := txn.Get(statsKey)
	if getErr != nil {
		if errors.GetKind(getErr) == errors.NotFound {
			return 0, 0, nil
		}
		return 0, 0, getErr
	}
	if len(raw) < 8 {
		return 0, 0, nil
	}
	return int(binary.BigEndian.Uint32(raw)), int(binary.BigEndian.Uint32(raw[4:])), nil
}

// FulltextResult is one scored hit from FulltextSearch.
type FulltextResult struct {
	PK    string
	Score float64
}

// FulltextSearch runs a boolean-AND multi-term BM25 query over table.field:
// candidates must carry every term in terms, scored by summing each term's
// BM25 contribution. Results are sorted by descending score, ties broken by
// ascending primary key, and capped at k.
func (m *Manager) FulltextSearch(ctx context.Context, txn *mvcc.Txn, table, field string, terms []string, k int) ([]FulltextResult, error) {
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	docCount, totalLen, err := m.readStats(txn, keys.FulltextStats(table, field))
	if err != nil {
		return nil, err
	}
	if docCount == 0 {
		return nil, nil
	}
	avgLen := float64(totalLen) / float64(docCount)

	normalizedTerms := make([]string, 0, len(terms))
	for _, t := range terms {
		normalizedTerms = append(normalizedTerms, strings.ToLower(t))
	}

	postingsByTerm := make([]map[string]uint32, len(normalizedTerms))
	for i, term := range normalizedTerms {
		postings := make(map[string]uint32)
		prefix := keys.FulltextTermPrefix(table, field, term)
		if err := txn.ScanPrefix(prefix, func(k, v []byte) bool {
			postings[lastSegment(k)] = decodeUint32(v)
			return true
		}); err != nil {
			return nil, err
		}
		postingsByTerm[i] = postings
		if len(postings) == 0 {
			return nil, nil
		}
	}

	candidates := intersectPKs(postingsByTerm)
	if len(candidates) == 0 {
		return nil, nil
	}

	docLenCache := make(map[string]int, len(candidates))
	results := make([]FulltextResult, 0, len(candidates))
	for _, pk := range candidates {
		docLen, ok := docLenCache[pk]
		if !ok {
			raw, getErr := txn.Get(keys.FulltextDocLen(table, field, pk))
			if getErr != nil && errors.GetKind(getErr) != errors.NotFound {
				return nil, getErr
			}
			docLen = int(decodeUint32(raw))
			docLenCache[pk] = docLen
		}

		var score float64
		for i, term := range normalizedTerms {
			freq := postingsByTerm[i][pk]
			score += bm25Term(int(freq), docLen, avgLen, docCount, len(postingsByTerm[i]))
		}
		results = append(results, FulltextResult{PK: pk, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].PK < results[j].PK
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func bm25Term(freq, docLen int, avgLen float64, docCount, termDocCount int) float64 {
	idf := idfScore(docCount, termDocCount)
	tf := float64(freq)
	norm := 1 - bm25B + bm25B*(float64(docLen)/avgLen)
	return idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*norm)
}

func idfScore(docCount, termDocCount int) float64 {
	n := float64(docCount)
	df := float64(termDocCount)
	ratio := (n-df+0.5)/(df+0.5) + 1
	if ratio <= 0 {
		return 0
	}
	return math.Log(ratio)
}

func intersectPKs(postingsByTerm []map[string]uint32) []string {
	if len(postingsByTerm) == 0 {
		return nil
	}
	smallest := postingsByTerm[0]
	for _, p := range postingsByTerm[1:] {
		if len(p) < len(smallest) {
			smallest = p
		}
	}

	var out []string
	for pk := range smallest {
		inAll := true
		for _, p := range postingsByTerm {
			if _, ok := p[pk]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, pk)
		}
	}
	return out
}
