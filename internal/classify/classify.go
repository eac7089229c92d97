// Package classify decides whether an inbound message is a book submission.
package classify

import "strings"

// Classifier matches subject and sender text against keyword substrings.
// It over-matches by design of the heuristic; non-text attachments on a
// false positive are filtered by the extractor.
type Classifier struct {
	keywords []string
}

// New creates a Classifier. Keywords are compared case-insensitively;
// empty keywords are dropped.
func New(keywords []string) *Classifier {
	c := &Classifier{keywords: make([]string, 0, len(keywords))}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	return c
}

// IsCandidate reports whether any keyword occurs in the lower-cased
// concatenation of subject and sender.
func (c *Classifier) IsCandidate(subject, sender string) bool {
	text := strings.ToLower(subject + " " + sender)
	for _, k := range c.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
