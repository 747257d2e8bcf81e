package neural

import (
	"math"
	"regexp"
	"strings"
	"sync"
)

// classes is the full, ordered set of intents the Classifier scores
// over. H_max is derived from len(classes) rather than hardcoded so the
// entropy threshold stays meaningful if a class is ever added or
// removed.
var classes = []Class{ClassPing, ClassShort, ClassLong}

var hMax = math.Log2(float64(len(classes)))

// pingPatterns are trivial/social inputs that short-circuit straight to
// the ping class.
var pingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|salut|coucou|bonjour)\b`),
	regexp.MustCompile(`(?i)\b(thanks|thank you|merci)\b`),
	regexp.MustCompile(`(?i)\b(ping|are you there|t'es là|tu es là)\b`),
	regexp.MustCompile(`(?i)^\s*(ok|okay|d'accord|cool)\s*[!.]?\s*$`),
}

const longFormToken = "!ask"

// Classification is the Classifier's full output for one (text, context) pair.
type Classification struct {
	Class            Class
	Probabilities    map[Class]float64
	Entropy          float64
	Confidence       float64
	ConfidenceLevel  string // high, moderate, low
	Fallback         bool
}

// ClassifierOptions tunes the entropy-gated fallback.
type ClassifierOptions struct {
	// EntropyFallbackThreshold triggers SafeClass instead of argmax when
	// entropy exceeds it. Calibrated against the three-class H_max.
	EntropyFallbackThreshold float64
	// SafeClass is returned on fallback.
	SafeClass Class
	// CacheSize bounds the classify memoization cache.
	CacheSize int
}

// DefaultClassifierOptions returns the production defaults.
func DefaultClassifierOptions() ClassifierOptions {
	return ClassifierOptions{
		EntropyFallbackThreshold: 1.9,
		SafeClass:                ClassShort,
		CacheSize:                256,
	}
}

type cacheKey struct {
	text    string
	context string
}

// Classifier maps (text, context) to a Classification using one-hot
// priority rules plus a Shannon-entropy-gated fallback, memoized in a
// small bounded LRU.
type Classifier struct {
	opts ClassifierOptions

	mu       sync.Mutex
	cache    map[cacheKey]Classification
	cacheLRU []cacheKey
}

// NewClassifier constructs a Classifier with the given options.
func NewClassifier(opts ClassifierOptions) *Classifier {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.SafeClass == "" {
		opts.SafeClass = ClassShort
	}
	return &Classifier{
		opts:  opts,
		cache: make(map[cacheKey]Classification),
	}
}

// Classify returns the intent classification for (text, context).
func (c *Classifier) Classify(text, context string) Classification {
	key := cacheKey{text: text, context: context}

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		// Move the hit to the most-recently-used end of the eviction order.
		for i, k := range c.cacheLRU {
			if k == key {
				c.cacheLRU = append(append(c.cacheLRU[:i:i], c.cacheLRU[i+1:]...), key)
				break
			}
		}
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	result := c.classify(text, context)

	c.mu.Lock()
	c.cache[key] = result
	c.cacheLRU = append(c.cacheLRU, key)
	if len(c.cacheLRU) > c.opts.CacheSize {
		evict := c.cacheLRU[0]
		c.cacheLRU = c.cacheLRU[1:]
		delete(c.cache, evict)
	}
	c.mu.Unlock()

	return result
}

func (c *Classifier) classify(text, context string) Classification {
	probs := classify(text, context)

	entropy := shannonEntropy(probs)
	maxProb, dominance := distributionShape(probs)
	confidence := 0.7*(1-entropy/hMax) + 0.2*maxProb + 0.1*dominance
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	cls, fellBack := collapse(probs, entropy, c.opts)

	return Classification{
		Class:           cls,
		Probabilities:   probs,
		Entropy:         entropy,
		Confidence:      confidence,
		ConfidenceLevel: confidenceLevel(confidence),
		Fallback:        fellBack,
	}
}

// classify implements the one-hot priority rules: explicit long-form
// token or "ask" context wins, then the ping pattern set, else gen_short.
func classify(text, context string) map[Class]float64 {
	probs := map[Class]float64{ClassPing: 0, ClassShort: 0, ClassLong: 0}

	if strings.Contains(text, longFormToken) || context == "ask" {
		probs[ClassLong] = 1.0
		return probs
	}

	for _, p := range pingPatterns {
		if p.MatchString(text) {
			probs[ClassPing] = 1.0
			return probs
		}
	}

	probs[ClassShort] = 1.0
	return probs
}

// shannonEntropy computes H(S) = -Σp·log2(p) over a probability map,
// normalizing first if the map doesn't already sum to 1.
func shannonEntropy(probs map[Class]float64) float64 {
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if sum == 0 {
		return 0
	}

	h := 0.0
	for _, p := range probs {
		pn := p
		if sum != 1.0 {
			pn = p / sum
		}
		if pn <= 0 {
			continue
		}
		h -= pn * math.Log2(pn)
	}
	return h
}

// distributionShape returns the maximum probability and a capped
// dominance ratio (max/second-highest, scaled down and capped at 1).
func distributionShape(probs map[Class]float64) (maxProb, dominance float64) {
	values := make([]float64, 0, len(probs))
	for _, p := range probs {
		values = append(values, p)
	}
	// simple selection of top two without sorting the whole slice
	var first, second float64
	for _, v := range values {
		if v > first {
			second = first
			first = v
		} else if v > second {
			second = v
		}
	}
	maxProb = first
	if second == 0 {
		dominance = 1.0
	} else {
		dominance = (first / second) / 10
		if dominance > 1 {
			dominance = 1
		}
	}
	return maxProb, dominance
}

// collapse picks the final class: the configured safe class if entropy
// exceeds the fallback threshold or the max probability is too low,
// otherwise the argmax.
func collapse(probs map[Class]float64, entropy float64, opts ClassifierOptions) (Class, bool) {
	maxProb, best := argmax(probs)
	if entropy > opts.EntropyFallbackThreshold || maxProb < 0.1 {
		return opts.SafeClass, true
	}
	return best, false
}

func argmax(probs map[Class]float64) (float64, Class) {
	var best Class
	bestP := -1.0
	for _, c := range classes {
		p := probs[c]
		if p > bestP {
			bestP = p
			best = c
		}
	}
	return bestP, best
}

func confidenceLevel(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.5:
		return "moderate"
	default:
		return "low"
	}
}
