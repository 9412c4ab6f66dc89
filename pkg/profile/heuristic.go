package profile

import (
	"context"
	"regexp"
	"strings"
)

var (
	nameRegex       = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([A-Za-z0-9][A-Za-z0-9 _\-]{1,50}?)(?:\s+and\b|[.!?,]|$)`)
	timezoneRegex   = regexp.MustCompile(`(?i)\b(?:my timezone is|i am in timezone)\s+([A-Za-z0-9_/\-+]{2,64})`)
	locationRegex   = regexp.MustCompile(`(?i)\b(?:i live in|i am based in|i'm based in)\s+([A-Za-z][A-Za-z \-]{1,60}?)(?:\s+and\b|[.!?,]|$)`)
	languageRegex   = regexp.MustCompile(`(?i)\b(?:my preferred language is|respond in|speak in)\s+([A-Za-z]{2,32})`)
	commStyleRegex  = regexp.MustCompile(`(?i)\b(?:be|respond|talk|write)\s+(?:more\s+)?(concise|detailed|formal|casual|direct|friendly)\b`)
	preferenceRegex = regexp.MustCompile(`(?i)\bi (?:really )?(like|love|prefer|hate|dislike)\s+([^.!?\n]{2,120})`)
	goalRegex       = regexp.MustCompile(`(?i)\b(?:my goal is to|my goal is|i want to)\s+([^.!?\n]{4,140})`)
	occupationRegex = regexp.MustCompile(`(?i)\bi (?:work as|am working as) (?:an? )?([^.!?,\n]{2,80})`)
	correctionRegex = regexp.MustCompile(`(?i)\b(?:actually|correction|not anymore|i moved to|i now)\b`)
)

type heuristicRule struct {
	key        string
	re         *regexp.Regexp
	confidence float64
	value      func(m []string) (key, value string)
}

var heuristicRules = []heuristicRule{
	{key: "identity.name", re: nameRegex, confidence: 0.92},
	{key: "identity.timezone", re: timezoneRegex, confidence: 0.9},
	{key: "identity.location", re: locationRegex, confidence: 0.8},
	{key: "identity.occupation", re: occupationRegex, confidence: 0.75},
	{key: "communication.language", re: languageRegex, confidence: 0.85},
	{key: "communication.style", re: commStyleRegex, confidence: 0.7},
	{key: "goals.primary", re: goalRegex, confidence: 0.65},
	{re: preferenceRegex, confidence: 0.7, value: func(m []string) (string, string) {
		verb := strings.ToLower(m[1])
		object := strings.TrimSpace(m[2])
		polarity := "likes"
		if verb == "hate" || verb == "dislike" {
			polarity = "dislikes"
		}
		return "preferences." + polarity + "." + NormalizeKey(firstWords(object, 3)), object
	}},
}

// HeuristicExtractor proposes facts from first-person statements using fixed
// patterns. It needs no model and is used when no LLM provider is configured.
type HeuristicExtractor struct{}

func (HeuristicExtractor) ExtractFacts(ctx context.Context, req ExtractionRequest) ([]Candidate, error) {
	var out []Candidate
	for _, cell := range req.Cells {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := cell.Text()
		supersedes := correctionRegex.MatchString(text)
		for _, rule := range heuristicRules {
			for _, m := range rule.re.FindAllStringSubmatch(text, -1) {
				key, value := rule.key, ""
				if rule.value != nil {
					key, value = rule.value(m)
				} else if len(m) > 1 {
					value = m[1]
				}
				value = strings.TrimSpace(value)
				if value == "" {
					continue
				}
				out = append(out, Candidate{
					Key:        key,
					Value:      value,
					Confidence: rule.confidence,
					Supersedes: supersedes,
					SourceIDs:  []string{cell.EventID},
					ObservedAt: cell.Timestamp,
				})
			}
		}
	}
	return out, nil
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
