// Package wordpiece implements the BERT family's text encoder: a basic
// tokenizer (whitespace and punctuation splitting, optional lower-casing and
// accent stripping) followed by greedy longest-match-first WordPiece
// segmentation against a fixed vocabulary.
//
// The output of [Tokenizer.Encode] matches what a DistilBERT "fast" tokenizer
// produces for a single sequence with truncation enabled:
// [CLS] tokens... [SEP], cut to MaxLength.
package wordpiece

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Special tokens.
const (
	ClassToken   = "[CLS]"
	SepToken     = "[SEP]"
	PadToken     = "[PAD]"
	UnknownToken = "[UNK]"
)

// DefaultMaxLength is the sequence length the classifier was trained with.
const DefaultMaxLength = 256

// maxCharsPerWord mirrors the reference implementation: longer words become
// a single unknown token.
const maxCharsPerWord = 100

// ErrInvalidVocab is returned when a vocabulary lacks a required special
// token or is empty.
var ErrInvalidVocab = errors.New("wordpiece: invalid vocabulary")

// Encoding is the model input for one text.
type Encoding struct {
	Tokens        []string `json:"-"`
	InputIDs      []int32  `json:"input_ids"`
	AttentionMask []int32  `json:"attention_mask"`
}

// Len returns the number of positions, padding included.
func (e Encoding) Len() int { return len(e.InputIDs) }

// Config mirrors the relevant fields of a Hugging Face tokenizer_config.json.
type Config struct {
	DoLowerCase    bool `json:"do_lower_case"`
	ModelMaxLength int  `json:"model_max_length"`
}

// Tokenizer encodes text into vocabulary ids. It is immutable after
// construction and safe for concurrent use.
type Tokenizer struct {
	vocab     map[string]int32
	lower     bool
	maxLength int
	pad       bool
	cls, sep  int32
	padID     int32
	unk       int32
}

// Option configures a [Tokenizer].
type Option func(*Tokenizer)

// WithMaxLength sets the total sequence length including [CLS] and [SEP].
// Values below 2 are ignored.
func WithMaxLength(n int) Option {
	return func(t *Tokenizer) {
		if n >= 2 {
			t.maxLength = n
		}
	}
}

// WithLowerCase toggles lower-casing and accent stripping. Default: true.
func WithLowerCase(on bool) Option {
	return func(t *Tokenizer) { t.lower = on }
}

// WithPadding pads every encoding to the max length with [PAD] and a zero
// attention mask. Default: off, matching single-sequence inference.
func WithPadding(on bool) Option {
	return func(t *Tokenizer) { t.pad = on }
}

// New builds a Tokenizer over vocab, where vocab[i] is the token with id i.
func New(vocab []string, opts ...Option) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVocab)
	}
	t := &Tokenizer{
		vocab:     make(map[string]int32, len(vocab)),
		lower:     true,
		maxLength: DefaultMaxLength,
	}
	for i, tok := range vocab {
		if _, dup := t.vocab[tok]; !dup {
			t.vocab[tok] = int32(i)
		}
	}
	for _, o := range opts {
		o(t)
	}

	var missing []string
	lookup := func(tok string) int32 {
		id, ok := t.vocab[tok]
		if !ok {
			missing = append(missing, tok)
		}
		return id
	}
	t.cls = lookup(ClassToken)
	t.sep = lookup(SepToken)
	t.padID = lookup(PadToken)
	t.unk = lookup(UnknownToken)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidVocab, strings.Join(missing, ", "))
	}
	return t, nil
}

// ReadVocab reads a vocab.txt file: one token per line, line number = id.
func ReadVocab(r io.Reader) ([]string, error) {
	var vocab []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		vocab = append(vocab, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("wordpiece: read vocab: %w", err)
	}
	return vocab, nil
}

// Load builds a Tokenizer from a Hugging Face tokenizer directory holding
// vocab.txt and, optionally, tokenizer_config.json. Explicit opts override
// values from the config file.
func Load(dir string, opts ...Option) (*Tokenizer, error) {
	f, err := os.Open(filepath.Join(dir, "vocab.txt"))
	if err != nil {
		return nil, fmt.Errorf("wordpiece: %w", err)
	}
	defer f.Close()
	vocab, err := ReadVocab(f)
	if err != nil {
		return nil, err
	}

	cfg := Config{DoLowerCase: true}
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("wordpiece: parse tokenizer_config.json: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("wordpiece: %w", err)
	}

	base := []Option{WithLowerCase(cfg.DoLowerCase)}
	// Hugging Face writes a huge sentinel when the model has no limit.
	if cfg.ModelMaxLength > 0 && cfg.ModelMaxLength < DefaultMaxLength {
		base = append(base, WithMaxLength(cfg.ModelMaxLength))
	}
	return New(vocab, append(base, opts...)...)
}

// VocabSize returns the number of distinct tokens.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// MaxLength returns the configured sequence length.
func (t *Tokenizer) MaxLength() int { return t.maxLength }

// Tokenize splits text into WordPiece tokens without special tokens or
// truncation.
func (t *Tokenizer) Tokenize(text string) []string {
	var out []string
	for _, word := range t.basic(text) {
		out = append(out, t.wordPieces(word)...)
	}
	return out
}

// Encode tokenizes text and wraps it as [CLS] tokens [SEP], truncating the
// word pieces so the result fits MaxLength.
func (t *Tokenizer) Encode(text string) Encoding {
	pieces := t.Tokenize(text)
	if limit := t.maxLength - 2; len(pieces) > limit {
		pieces = pieces[:limit]
	}

	n := len(pieces) + 2
	size := n
	if t.pad {
		size = t.maxLength
	}
	enc := Encoding{
		Tokens:        make([]string, 0, size),
		InputIDs:      make([]int32, 0, size),
		AttentionMask: make([]int32, 0, size),
	}
	add := func(tok string, id, mask int32) {
		enc.Tokens = append(enc.Tokens, tok)
		enc.InputIDs = append(enc.InputIDs, id)
		enc.AttentionMask = append(enc.AttentionMask, mask)
	}
	add(ClassToken, t.cls, 1)
	for _, p := range pieces {
		add(p, t.id(p), 1)
	}
	add(SepToken, t.sep, 1)
	for range size - n {
		add(PadToken, t.padID, 0)
	}
	return enc
}

func (t *Tokenizer) id(tok string) int32 {
	if id, ok := t.vocab[tok]; ok {
		return id
	}
	return t.unk
}

// basic runs BERT's basic tokenizer: clean, optionally lower-case and strip
// accents, then split on whitespace and punctuation. CJK ideographs become
// single-character words.
func (t *Tokenizer) basic(text string) []string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == utf8.RuneError || isControl(r):
			continue
		case isWhitespace(r):
			b.WriteByte(' ')
		case isCJK(r):
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}

	var words []string
	for _, tok := range strings.Fields(b.String()) {
		if t.lower {
			tok = stripAccents(strings.ToLower(tok))
		}
		words = append(words, splitPunct(tok)...)
	}
	return words
}

// wordPieces segments one word greedily, longest prefix first. A word that
// cannot be fully covered becomes [UNK].
func (t *Tokenizer) wordPieces(word string) []string {
	runes := []rune(word)
	if len(runes) > maxCharsPerWord {
		return []string{UnknownToken}
	}
	var out []string
	for start := 0; start < len(runes); {
		end := len(runes)
		var cur string
		for ; start < end; end-- {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				cur = sub
				break
			}
		}
		if cur == "" {
			return []string{UnknownToken}
		}
		out = append(out, cur)
		start = end
	}
	return out
}

func stripAccents(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitPunct(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if isPunct(r) {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			out = append(out, string(r))
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunct treats every non-alphanumeric ASCII symbol as punctuation, as BERT
// does, in addition to the Unicode P* classes.
func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
