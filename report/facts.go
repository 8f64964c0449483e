package report

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/deepnoodle-ai/taskpipe/index"
)

// minFactLen is the rune count a sentence must exceed to count as a fact
const minFactLen = 10

// Fact is a sentence found in the retrieved chunks together with every
// chunk that contains it.
type Fact struct {
	Text    string        `json:"text"`
	Support []index.Chunk `json:"support"`
}

// Sources returns the distinct source names backing the fact, sorted
func (f Fact) Sources() []string {
	seen := map[string]bool{}
	var names []string
	for _, c := range f.Support {
		name := sourceName(c)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ExtractFacts splits every chunk into sentences and groups identical
// sentences. Facts are returned in the order they were first seen.
func ExtractFacts(chunks []index.Chunk) []Fact {
	var facts []Fact
	byText := map[string]int{}
	for _, c := range chunks {
		for _, s := range splitSentences(c.Content) {
			i, ok := byText[s]
			if !ok {
				i = len(facts)
				byText[s] = i
				facts = append(facts, Fact{Text: s})
			}
			facts[i].Support = append(facts[i].Support, c)
		}
	}
	return facts
}

// ClassifyFacts separates facts backed by at least two distinct sources
// from those that still need verification. Both lists are ordered by the
// number of supporting chunks, most supported first.
func ClassifyFacts(facts []Fact) (conclusions, toVerify []Fact) {
	for _, f := range facts {
		if len(f.Sources()) >= 2 {
			conclusions = append(conclusions, f)
		} else {
			toVerify = append(toVerify, f)
		}
	}
	bySupport := func(list []Fact) {
		sort.SliceStable(list, func(i, j int) bool {
			return len(list[i].Support) > len(list[j].Support)
		})
	}
	bySupport(conclusions)
	bySupport(toVerify)
	return conclusions, toVerify
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '.', '。', '!', '！', '?', '？':
			return true
		}
		return false
	})
	var out []string
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if utf8.RuneCountInString(p) > minFactLen {
			out = append(out, p)
		}
	}
	return out
}
