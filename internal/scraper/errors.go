package scraper

import "errors"

// Upstream error classes. The scrape processor retries transient failures
// through healing and lets persistent ones escalate through the strategy
// graph.
var (
	ErrTransient  = errors.New("transient upstream error")
	ErrPersistent = errors.New("persistent upstream error")
)
