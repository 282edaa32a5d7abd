// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"net/url"
	"regexp"
	"strings"
)

// Well-known forge references are recognized loosely ("github:user/repo",
// "GitLab.com/Group/Repo", full https URLs) and normalized aggressively:
// canonical domain, lowercased owner/repo, trailing .git dropped.
var forgeRE = regexp.MustCompile(`(?i)\b(github|gitlab|bitbucket)(?:\.com|\.org)?[:/]([\w-]+/[\w.-]+)`)

var forgeDomains = map[string]string{
	"github":    "github.com",
	"gitlab":    "gitlab.com",
	"bitbucket": "bitbucket.org",
}

// canonicalRepoURL normalizes a repository URL from the release YAML to a
// canonical https form. It reports ok=false for values it cannot
// canonicalize (empty, unparseable, userinfo-carrying ssh URLs, dot-path
// repo names); callers keep the raw value in that case.
func canonicalRepoURL(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	repo := raw
	if m := forgeRE.FindStringSubmatch(raw); m != nil {
		domain := forgeDomains[strings.ToLower(m[1])]
		repo = "//" + domain + "/" + strings.TrimSuffix(strings.ToLower(m[2]), ".git")
	}
	u, err := url.Parse(repo)
	if err != nil || u.Host == "" || u.User.String() != "" {
		return "", false
	}
	if strings.HasSuffix(u.Path, "/.") || strings.HasSuffix(u.Path, "/..") {
		return "", false
	}
	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	return u.String(), true
}
