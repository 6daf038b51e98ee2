package main

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
)

// parseAttrFlags turns repeated name=v1,v2 flags into a Filter. Values of
// one attribute are OR'ed, attributes are AND'ed.
func parseAttrFlags(flags []string, includeIgnored bool) (*repository.Filter, error) {
	f := &repository.Filter{IncludeIgnored: includeIgnored}
	for _, raw := range flags {
		name, vals, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --attr %q, want name=value[,value]", raw)
		}
		if err := f.AddNamed(name, strings.Split(vals, ",")...); err != nil {
			return nil, fmt.Errorf("--attr %q: %w", raw, err)
		}
	}
	return f, nil
}
