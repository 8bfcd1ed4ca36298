// Package envscrub builds a sanitized environment for agent subprocesses,
// stripping framework secrets before the Session Supervisor spawns the
// LLM CLI.
package envscrub

import (
	"os"
	"strings"
)

// bannedNames is the published list of always-stripped env var names.
var bannedNames = map[string]bool{
	"GITHUB_APP_ID":              true,
	"GITHUB_PRIVATE_KEY":         true,
	"GITHUB_WEBHOOK_SECRET":      true,
	"GITHUB_INSTALLATION_ID":     true,
	"COPILOT_GITHUB_TOKEN":       true,
	"GITHUB_TOKEN":               true,
	"GH_TOKEN":                   true,
	"SQUADRON_DASHBOARD_API_KEY": true,
}

// secretPatterns are substrings that mark a variable name as secret
// regardless of the banned-names list, unless explicitly allowlisted.
var secretPatterns = []string{"API_KEY", "SECRET_KEY", "PRIVATE_KEY", "ACCESS_TOKEN", "AUTH_TOKEN"}

// defaultAllowlist seeds the allowlist exception mechanism. SSH_AUTH_SOCK
// matches no secret pattern itself but is kept explicit for clarity and
// for callers who extend the allowlist.
var defaultAllowlist = map[string]bool{
	"SSH_AUTH_SOCK": true,
}

// Scrubber builds sanitized environments for subprocess spawn.
type Scrubber struct {
	allowlist map[string]bool
}

// New returns a Scrubber seeded with the default allowlist plus any
// additional names the caller wants to pass through unchanged (e.g.
// BYOK vars the operator has explicitly approved).
func New(extraAllow ...string) *Scrubber {
	allow := make(map[string]bool, len(defaultAllowlist)+len(extraAllow))
	for k := range defaultAllowlist {
		allow[k] = true
	}
	for _, k := range extraAllow {
		allow[k] = true
	}
	return &Scrubber{allowlist: allow}
}

// isSecret reports whether name should be stripped.
func (s *Scrubber) isSecret(name string) bool {
	if s.allowlist[name] {
		return false
	}
	if bannedNames[name] {
		return true
	}
	for _, pat := range secretPatterns {
		if strings.Contains(name, pat) {
			return true
		}
	}
	return false
}

// Build returns a sanitized copy of base (os.Environ()-shaped "K=V"
// entries) with every secret-named variable removed. base is never
// mutated (testable property 8: "build_agent_env() output contains
// none of the banned names and passes operational names through
// unchanged").
func (s *Scrubber) Build(base []string) []string {
	out := make([]string, 0, len(base))
	for _, kv := range base {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if s.isSecret(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// BuildFromOS is a convenience wrapper over Build(os.Environ()).
func (s *Scrubber) BuildFromOS() []string {
	return s.Build(os.Environ())
}
