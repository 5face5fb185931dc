// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package event

import "strings"

// MatchPattern reports whether name (a colon-delimited event name, e.g.
// "agent:spawn") matches pattern. A pattern segment "*" matches exactly one
// colon segment; "**" matches one or more trailing or interior segments.
// Matching is purely structural.
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	return matchSegments(strings.Split(pattern, ":"), strings.Split(name, ":"))
}

func matchSegments(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}

	head := pat[0]
	if head == "**" {
		// "**" must consume at least one segment, then try every possible
		// split point for the remainder of the pattern.
		if len(seg) == 0 {
			return false
		}
		for consume := 1; consume <= len(seg); consume++ {
			if matchSegments(pat[1:], seg[consume:]) {
				return true
			}
		}
		return false
	}

	if len(seg) == 0 {
		return false
	}
	if head == "*" || head == seg[0] {
		return matchSegments(pat[1:], seg[1:])
	}
	return false
}

// IsWildcard reports whether pattern contains any wildcard segment.
func IsWildcard(pattern string) bool {
	for _, seg := range strings.Split(pattern, ":") {
		if seg == "*" || seg == "**" {
			return true
		}
	}
	return false
}
