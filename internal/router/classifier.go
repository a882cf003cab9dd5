// Package router classifies queries into reasoning categories and
// picks the model and instance to answer them.
package router

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Category is the reasoning category of a query.
type Category string

const (
	CategoryCode      Category = "code"
	CategoryMath      Category = "math"
	CategoryCreative  Category = "creative"
	CategoryTechnical Category = "technical"
	CategoryChat      Category = "chat"
)

const classifierCacheSize = 4096

var (
	codePattern      = regexp.MustCompile(`\b(code|function|script|debug|implement|class|api)\b`)
	fencedBlock      = regexp.MustCompile("```")
	mathKeyword      = regexp.MustCompile(`\b(arithmetic|equation|solve|calculate|compute|sum|integral|derivative)\b`)
	numericCompare   = regexp.MustCompile(`\d\s*(==|<=|>=|<|>|=|\+|-|\*|/)\s*\d`)
	digitPattern     = regexp.MustCompile(`\d`)
	creativePattern  = regexp.MustCompile(`\b(write|story|poem|creative|imagine|brainstorm)\b`)
	technicalPattern = regexp.MustCompile(`\b(install|configure|troubleshoot|specification|version|protocol)\b`)
)

// Classifier assigns a Category to query text. Classification is pure
// pattern matching and never fails; repeated queries hit an LRU cache.
type Classifier struct {
	cache *lru.Cache[string, Category]
}

// NewClassifier creates a classifier with a decision cache.
func NewClassifier() *Classifier {
	cache, _ := lru.New[string, Category](classifierCacheSize)
	return &Classifier{cache: cache}
}

// Classify returns the query's category. First match wins in the order
// code, math, creative, technical; everything else is chat.
func (c *Classifier) Classify(query string) Category {
	if cat, ok := c.cache.Get(query); ok {
		return cat
	}

	cat := classify(query)
	c.cache.Add(query, cat)
	return cat
}

func classify(query string) Category {
	lower := strings.ToLower(query)

	switch {
	case codePattern.MatchString(lower) || fencedBlock.MatchString(query):
		return CategoryCode
	case digitPattern.MatchString(lower) &&
		(mathKeyword.MatchString(lower) || numericCompare.MatchString(lower)):
		return CategoryMath
	case creativePattern.MatchString(lower):
		return CategoryCreative
	case technicalPattern.MatchString(lower):
		return CategoryTechnical
	default:
		return CategoryChat
	}
}
