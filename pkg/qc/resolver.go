/*
 *     Copyright 2025 The quantctl Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package qc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrPatternMatchedNothing is returned when a wildcard pattern matches no tag
// in the listing.
var ErrPatternMatchedNothing = errors.New("pattern matched no tags")

// TagLister fetches the tags advertised for a model.
type TagLister interface {
	Tags(ctx context.Context, name string) ([]string, error)
}

// ResolvePattern expands one case-insensitive glob pattern against a tag
// listing. The result is deduplicated and sorted, so the same listing and
// pattern always produce the same result regardless of listing order.
func ResolvePattern(listing []string, pattern string) ([]string, error) {
	lowered := strings.ToLower(pattern)
	seen := make(map[string]string)
	for _, tag := range listing {
		key := strings.ToLower(tag)
		ok, err := doublestar.Match(lowered, key)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}

		if ok {
			if _, dup := seen[key]; !dup {
				seen[key] = tag
			}
		}
	}

	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrPatternMatchedNothing, pattern)
	}

	matches := make([]string, 0, len(seen))
	for _, tag := range seen {
		matches = append(matches, tag)
	}

	sort.Strings(matches)
	return matches, nil
}

// ResolvePatterns expands several patterns against one listing, deduplicating
// across patterns while keeping per-pattern resolution errors precise.
func ResolvePatterns(listing []string, patterns []string) ([]string, error) {
	var resolved []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := ResolvePattern(listing, pattern)
		if err != nil {
			return nil, err
		}

		for _, tag := range matches {
			key := strings.ToLower(tag)
			if !seen[key] {
				seen[key] = true
				resolved = append(resolved, tag)
			}
		}
	}

	return resolved, nil
}

// ResolveTags fetches the model's tag listing and expands the patterns
// against it.
func ResolveTags(ctx context.Context, lister TagLister, model string, patterns []string) ([]string, error) {
	listing, err := lister.Tags(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s: %w", model, err)
	}

	return ResolvePatterns(listing, patterns)
}
