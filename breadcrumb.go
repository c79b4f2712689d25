package scopez

import "time"

// DefaultMaxBreadcrumbs bounds the breadcrumbs kept per scope layer.
const DefaultMaxBreadcrumbs = 100

// Breadcrumb is a timestamped diagnostic event recorded on a scope layer.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Breadcrumb struct {
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Category  string         `json:"category,omitempty"`
	Level     string         `json:"level,omitempty"`
}

// foldBreadcrumbs appends the breadcrumbs of a popped layer, in order, to the
// end of its parent's sequence. It runs on every pop, including error and
// cancellation exits. Breadcrumbs only ever move to the direct parent.
func foldBreadcrumbs(child, parent *layer, limit int) {
	if len(child.breadcrumbs) == 0 {
		return
	}
	parent.breadcrumbs = appendBreadcrumbs(parent.breadcrumbs, child.breadcrumbs, limit)
	child.breadcrumbs = nil
}

// appendBreadcrumbs appends src to dst and drops the oldest entries beyond limit.
// A limit of zero or less keeps everything.
func appendBreadcrumbs(dst, src []Breadcrumb, limit int) []Breadcrumb {
	dst = append(dst, src...)
	if limit <= 0 || len(dst) <= limit {
		return dst
	}
	trimmed := make([]Breadcrumb, limit)
	copy(trimmed, dst[len(dst)-limit:])
	return trimmed
}

func copyBreadcrumbs(src []Breadcrumb) []Breadcrumb {
	if len(src) == 0 {
		return nil
	}
	dst := make([]Breadcrumb, len(src))
	copy(dst, src)
	return dst
}

func copyTags(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
