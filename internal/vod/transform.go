// SPDX-License-Identifier: MIT

package vod

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/catalog"
)

// TransformURL rewrites a raw upstream URL using the profile's search and
// replace patterns. Profiles are configured with $N backreferences, which are
// rewritten to the ${N} form so a trailing digit in the template cannot be
// swallowed into the group number.
//
// Transformation never fails the request: an empty or malformed pattern
// yields the original URL, and malformed patterns are reported as a
// warning so the stream can proceed against the untransformed URL.
func TransformURL(rawURL string, profile catalog.Profile, logger zerolog.Logger) string {
	if rawURL == "" || profile.SearchPattern == "" || profile.ReplacePattern == "" {
		return rawURL
	}

	search, err := regexp.Compile(profile.SearchPattern)
	if err != nil {
		logger.Warn().
			Err(err).
			Int("profile_id", profile.ID).
			Str("pattern", profile.SearchPattern).
			Msg("malformed URL search pattern, streaming untransformed URL")
		return rawURL
	}

	replacement := expandBackrefs(profile.ReplacePattern, search.NumSubexp())
	return search.ReplaceAllString(rawURL, replacement)
}

// expandBackrefs rewrites each $N backreference as ${N}. A digit run longer
// than the pattern's capture count is split: the longest prefix naming an
// existing group becomes the reference and the remaining digits stay literal,
// so "$1080p" against a one-group pattern means group 1 followed by "080p".
// References to groups the pattern does not have are kept as literal text.
func expandBackrefs(template string, groups int) string {
	var b strings.Builder
	for i := 0; i < len(template); {
		if template[i] != '$' {
			b.WriteByte(template[i])
			i++
			continue
		}
		j := i + 1
		for j < len(template) && template[j] >= '0' && template[j] <= '9' {
			j++
		}
		digits := template[i+1 : j]
		if digits == "" {
			b.WriteByte('$')
			i++
			continue
		}
		k := len(digits)
		for k > 1 {
			if n, err := strconv.Atoi(digits[:k]); err == nil && n <= groups {
				break
			}
			k--
		}
		if n, err := strconv.Atoi(digits[:k]); err == nil && n >= 1 && n <= groups {
			b.WriteString("${")
			b.WriteString(digits[:k])
			b.WriteString("}")
			b.WriteString(digits[k:])
		} else {
			b.WriteString("$$")
			b.WriteString(digits)
		}
		i = j
	}
	return b.String()
}
