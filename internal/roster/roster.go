// Package roster maps the speaker names a model writes onto the participant
// IDs of a profile.
//
// Models rarely repeat an ID verbatim: they add honorifics ("田中さん"),
// titles ("佐藤部長"), role notes ("田中（司会）") or romanise names with a
// typo. Matching proceeds in three stages:
//
//  1. Exact: the name is one of the IDs.
//  2. Normalised: both sides are compared after stripping honorifics, titles,
//     bracketed notes, separators and case.
//  3. Fuzzy: Double Metaphone codes of Latin tokens select phonetic
//     candidates, ranked by Jaro-Winkler similarity above a threshold. Names
//     without a phonetic candidate (kanji and kana produce no codes) must
//     clear a higher pure Jaro-Winkler threshold.
package roster

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// suffixes are stripped repeatedly from the end of a normalised name, so
// "田中課長さん" reduces to "田中". Longer forms come before their prefixes.
var suffixes = []string{
	"さん", "さま", "様", "氏", "くん", "君", "ちゃん", "殿", "先生",
	"本部長", "部長", "次長", "課長", "係長", "主任", "社長", "専務", "常務", "室長", "リーダー",
	"-san", "-sama", "-kun",
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched ID to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher resolves speaker names. It is read-only after construction and
// safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the ID in ids that name refers to. When matched is false,
// id equals name unchanged and confidence is 0.
func (m *Matcher) Match(name string, ids []string) (id string, confidence float64, matched bool) {
	trimmed := strings.TrimSpace(name)
	if len(ids) == 0 || trimmed == "" {
		return name, 0, false
	}
	for _, candidate := range ids {
		if candidate == trimmed {
			return candidate, 1, true
		}
	}

	norm := Normalize(trimmed)
	if norm == "" {
		return name, 0, false
	}
	for _, candidate := range ids {
		if Normalize(candidate) == norm {
			return candidate, 1, true
		}
	}

	type match struct {
		id       string
		score    float64
		phonetic bool
	}
	var best match

	tokens := strings.Fields(strings.ToLower(trimmed))
	codes := codesForTokens(tokens)
	for _, candidate := range ids {
		cnorm := Normalize(candidate)
		if cnorm == "" {
			continue
		}
		ctokens := strings.Fields(strings.ToLower(strings.TrimSpace(candidate)))
		phonetic := codesOverlap(codes, codesForTokens(ctokens))
		score := bestJWScore(tokens, ctokens, norm, cnorm)

		if phonetic {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = match{id: candidate, score: score, phonetic: true}
			}
		} else if !best.phonetic {
			if score >= m.fuzzyThreshold && score > best.score {
				best = match{id: candidate, score: score}
			}
		}
	}

	if best.id != "" {
		return best.id, best.score, true
	}
	return name, 0, false
}

// Normalize reduces a speaker name to its comparable core: bracketed notes,
// honorifics, titles, separators and case are removed.
func Normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = stripBrackets(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '・' || r == '_' {
			return -1
		}
		return r
	}, s)

	for changed := true; changed; {
		changed = false
		for _, suf := range suffixes {
			if len(s) > len(suf) && strings.HasSuffix(s, suf) {
				s = strings.TrimSuffix(s, suf)
				changed = true
			}
		}
	}
	return strings.TrimRight(s, "-")
}

// stripBrackets drops every (…), （…） and 【…】 group.
func stripBrackets(s string) string {
	var sb strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '(', '（', '【', '[':
			depth++
			continue
		case ')', '）', '】', ']':
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth == 0 {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// codesForTokens returns the union of the Double Metaphone codes of the Latin
// tokens. Other scripts have no phonetic encoding.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		t = strings.TrimSuffix(t, "-san")
		if !isLatin(t) {
			continue
		}
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func isLatin(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || r == '-' || r == '\'') {
			return false
		}
	}
	return true
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the normalised
// forms and every token pair.
func bestJWScore(tokens, ctokens []string, norm, cnorm string) float64 {
	score := matchr.JaroWinkler(norm, cnorm, false)
	for _, t := range tokens {
		for _, ct := range ctokens {
			if s := matchr.JaroWinkler(t, ct, false); s > score {
				score = s
			}
		}
	}
	return score
}
