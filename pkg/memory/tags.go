package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "that": true, "this": true, "it": true, "i": true, "my": true,
	"me": true, "you": true, "your": true, "we": true, "they": true, "he": true,
	"she": true, "do": true, "does": true, "did": true, "not": true, "no": true,
	"的": true, "了": true, "是": true, "在": true, "我": true, "你": true,
	"他": true, "她": true, "和": true, "有": true, "就": true, "都": true,
	"很": true, "也": true, "吗": true, "吧": true, "呢": true, "啊": true,
}

func isHan(r rune) bool { return unicode.Is(unicode.Han, r) }

// tokenize splits text into lowercase ASCII/latin word tokens plus Han
// character bigrams. FTS5's unicode61 tokenizer does not segment CJK text,
// so the bigrams carry Chinese content through the tag and fuzzy layers.
func tokenize(text string) []string {
	var tokens []string
	seen := map[string]bool{}
	add := func(tok string) {
		if tok == "" || stopwords[tok] || seen[tok] {
			return
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}

	var word []rune
	var han []rune
	flushWord := func() {
		if len(word) >= 2 {
			add(strings.ToLower(string(word)))
		}
		word = word[:0]
	}
	flushHan := func() {
		if len(han) == 1 {
			add(string(han))
		}
		for i := 0; i+1 < len(han); i++ {
			add(string(han[i : i+2]))
		}
		han = han[:0]
	}

	for _, r := range text {
		switch {
		case isHan(r):
			flushWord()
			if !stopwords[string(r)] {
				han = append(han, r)
			} else {
				flushHan()
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return tokens
}

// deriveTags computes the tag set for one record's content. Local and
// allocation-cheap: the tag maintainer runs every few seconds.
func deriveTags(content string) []string {
	const maxTags = 16
	tags := tokenize(content)
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}

// buildFTSQuery turns free text into an OR-of-quoted-terms MATCH expression
// so punctuation in user queries cannot break FTS5 syntax.
func buildFTSQuery(query string) string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	if len(tokens) > 12 {
		tokens = tokens[:12]
	}
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// runTagBatch indexes one batch of untagged records and refreshes the
// co-occurrence edges. No external calls.
func runTagBatch(ctx context.Context, store *SQLiteStore, batchSize int) (TagReport, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	batch, err := store.UntaggedBatch(ctx, batchSize)
	if err != nil {
		return TagReport{}, fmt.Errorf("tag maintenance: %w", err)
	}
	report := TagReport{Scanned: len(batch)}
	for _, rec := range batch {
		if err := store.SetRecordTags(ctx, rec.Rowid, deriveTags(rec.Content)); err != nil {
			return report, fmt.Errorf("tag maintenance record %d: %w", rec.Rowid, err)
		}
		report.Updated++
	}
	return report, nil
}
