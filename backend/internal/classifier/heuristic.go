package classifier

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"convograph/backend/internal/constants"
	"convograph/backend/pkg/logger"
)

// Heuristic matches known topics and short noun-like phrases without any external service
type Heuristic struct {
	topics     TopicLister
	vocabulary map[string]string
	max        int
	logger     *zap.Logger
}

// NewHeuristic creates a heuristic classifier. topics may be nil, in which case only the
// built-in vocabulary is used as the known-topic index.
func NewHeuristic(topics TopicLister, maxTopics int) *Heuristic {
	if maxTopics <= 0 {
		maxTopics = constants.DefaultMaxTopicsPerMessage
	}
	return &Heuristic{
		topics:     topics,
		vocabulary: builtinVocabulary,
		max:        maxTopics,
		logger:     logger.Named("classifier"),
	}
}

type candidate struct {
	topic Topic
	start int
	end   int
	known bool
}

// ExtractTopics returns topics in order of first appearance
func (h *Heuristic) ExtractTopics(ctx context.Context, text string, hints Hints) ([]Topic, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return []Topic{}, nil
	}

	excluded := make(map[string]bool)
	for _, name := range hints.ExcludeNames {
		for _, tok := range tokenize(name) {
			excluded[tok] = true
		}
	}

	known := h.knownMatches(ctx, tokens)
	phrases := phraseCandidates(tokens, excluded)

	cands := make([]candidate, 0, len(known)+len(phrases))
	cands = append(cands, known...)
	for _, p := range phrases {
		if !overlapsAny(p, known) {
			cands = append(cands, p)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].start < cands[j].start })

	topics := make([]Topic, 0, len(cands))
	for _, c := range cands {
		topics = append(topics, c.topic)
	}
	return dedupe(topics, h.max), nil
}

// knownMatches finds store topics and vocabulary entries occurring as whole-word sequences
func (h *Heuristic) knownMatches(ctx context.Context, tokens []string) []candidate {
	index := make(map[string]string, len(h.vocabulary))
	for name, category := range h.vocabulary {
		index[name] = category
	}
	if h.topics != nil {
		stored, err := h.topics.ListTopics(ctx)
		if err != nil {
			// the vocabulary alone still yields useful matches
			h.logger.Warn("Failed to load known topics", zap.Error(err))
		}
		for _, t := range stored {
			if _, ok := index[t.Name]; !ok || t.Category != "" {
				index[t.Name] = t.Category
			}
		}
	}

	var out []candidate
	for name, category := range index {
		seq := tokenize(name)
		if len(seq) == 0 {
			continue
		}
		if start := indexOf(tokens, seq); start >= 0 {
			out = append(out, candidate{
				topic: Topic{Name: strings.Join(seq, " "), Category: category},
				start: start,
				end:   start + len(seq),
				known: true,
			})
		}
	}
	// longer matches win over the known topics they contain
	sort.Slice(out, func(i, j int) bool {
		if li, lj := out[i].end-out[i].start, out[j].end-out[j].start; li != lj {
			return li > lj
		}
		return out[i].topic.Name < out[j].topic.Name
	})
	kept := out[:0]
	for _, c := range out {
		if !overlapsAny(c, kept) {
			kept = append(kept, c)
		}
	}
	return kept
}

// phraseCandidates returns runs of 2 to MaxTopicPhraseTokens content tokens
func phraseCandidates(tokens []string, excluded map[string]bool) []candidate {
	var out []candidate
	flush := func(start, end int) {
		for s := start; end-s >= 2; s += constants.MaxTopicPhraseTokens {
			e := s + constants.MaxTopicPhraseTokens
			if e > end {
				e = end
			}
			if e-s < 2 {
				break
			}
			out = append(out, candidate{
				topic: Topic{Name: strings.Join(tokens[s:e], " ")},
				start: s,
				end:   e,
			})
		}
	}

	runStart := -1
	for i, tok := range tokens {
		content := len([]rune(tok)) >= constants.MinTopicTokenLength && !stopWords[tok] && !excluded[tok] && !isNumber(tok)
		if content {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			flush(runStart, i)
			runStart = -1
		}
	}
	if runStart >= 0 {
		flush(runStart, len(tokens))
	}
	return out
}

func overlapsAny(c candidate, others []candidate) bool {
	for _, o := range others {
		if c.start < o.end && o.start < c.end {
			return true
		}
	}
	return false
}

func indexOf(tokens, seq []string) int {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// tokenize lowercases text and splits it into words; apostrophes and hyphens inside a word are kept
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'-")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func isNumber(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
