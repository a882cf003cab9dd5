// Package confidence scores retrieval quality and generated answers,
// and decides between the document-grounded and web-search routes.
package confidence

import (
	"strings"

	"github.com/docsage/docsage/internal/lexical"
	"github.com/docsage/docsage/internal/retrieval"
)

// Route is the origin of an answer.
type Route string

const (
	RouteDoc Route = "doc"
	RouteWeb Route = "web"
	// RouteDocWebFallbackFailed marks a doc answer returned after the
	// web retry path itself failed.
	RouteDocWebFallbackFailed Route = "doc_with_web_fallback_failed"
)

// Coverage reflects how the reranker participated in retrieval.
type Coverage float64

const (
	CoverageReranked Coverage = 1.0
	CoverageFallback Coverage = 0.7
	CoverageDisabled Coverage = 0.4
)

// DefaultThreshold is the minimum retrieval confidence for the doc route.
const DefaultThreshold = 0.3

// retryMargin widens the post-synthesis gate slightly so borderline
// answers are not bounced to the web.
const retryMargin = 0.05

// uncertaintyMarkers, matched case-insensitively in answers, each cost
// a flat penalty.
var uncertaintyMarkers = []string{
	"i don't know",
	"unclear",
	"apologize",
	"not sure",
	"no information",
}

const (
	weightTopScores    = 0.5
	weightCoverage     = 0.3
	weightQueryOverlap = 0.2

	uncertaintyPenalty = 0.3
	lengthBonusMax     = 0.1
	overlapBonusMax    = 0.2

	answerLengthMin = 200
	answerLengthMax = 1500

	queryOverlapCap = 0.6
)

// Retrieval computes the pre-synthesis confidence from the candidates'
// final scores, the reranker coverage, and query/chunk token overlap.
// Deterministic for identical inputs.
func Retrieval(query string, candidates []retrieval.Candidate, coverage Coverage) float64 {
	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}

	var meanTop float64
	if len(top) > 0 {
		for _, c := range top {
			meanTop += c.FinalScore
		}
		meanTop /= float64(len(top))
	}

	var contents strings.Builder
	for _, c := range top {
		contents.WriteString(c.Content)
		contents.WriteByte(' ')
	}
	overlap := jaccard(lexical.Tokenize(query), lexical.Tokenize(contents.String()))
	if overlap > queryOverlapCap {
		overlap = queryOverlapCap
	}
	overlap /= queryOverlapCap

	score := weightTopScores*meanTop + weightCoverage*float64(coverage) + weightQueryOverlap*overlap
	return clip01(score)
}

// Answer adjusts the retrieval confidence with signals from the
// generated text: uncertainty markers, answer length, and overlap with
// the grounding chunks.
func Answer(retrievalConf float64, answer string, candidates []retrieval.Candidate) float64 {
	score := retrievalConf

	lowerAnswer := strings.ToLower(answer)
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lowerAnswer, marker) {
			score -= uncertaintyPenalty
			break
		}
	}

	score += lengthBonus(len(answer))

	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}
	var contents strings.Builder
	for _, c := range top {
		contents.WriteString(c.Content)
		contents.WriteByte(' ')
	}
	score += overlapBonusMax * jaccard(lexical.Tokenize(answer), lexical.Tokenize(contents.String()))

	return clip01(score)
}

// lengthBonus ramps linearly from 0 at the minimum useful answer
// length to the full bonus at the maximum; outside the band it is 0.
func lengthBonus(length int) float64 {
	if length < answerLengthMin || length > answerLengthMax {
		return 0
	}
	return lengthBonusMax * float64(length-answerLengthMin) / float64(answerLengthMax-answerLengthMin)
}

// jaccard computes set overlap between two token lists.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Router applies the confidence threshold to route decisions.
type Router struct {
	threshold float64
}

// NewRouter creates a router; a non-positive threshold uses the default.
func NewRouter(threshold float64) *Router {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Router{threshold: threshold}
}

// Threshold returns the configured threshold.
func (r *Router) Threshold() float64 {
	return r.threshold
}

// PreSynthesis picks the initial route. With web search disabled the
// route is always doc.
func (r *Router) PreSynthesis(retrievalConf float64, webEnabled bool) Route {
	if !webEnabled {
		return RouteDoc
	}
	if retrievalConf < r.threshold {
		return RouteWeb
	}
	return RouteDoc
}

// ShouldRetryWeb reports whether a doc answer scored low enough to
// retry via web search.
func (r *Router) ShouldRetryWeb(answerConf float64, webEnabled bool) bool {
	return webEnabled && answerConf < r.threshold-retryMargin
}

// PickBest returns the higher-confidence route; ties go to doc.
func (r *Router) PickBest(docConf, webConf float64) Route {
	if webConf > docConf {
		return RouteWeb
	}
	return RouteDoc
}
