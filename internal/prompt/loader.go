// Package prompt assembles agent session prompts: a global system
// prompt, a per-role template, an optional project-level override,
// and placeholder interpolation that never fails on a missing key.
package prompt

import (
	"embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

//go:generate cp ../../prompts/SYSTEM.md system.md
//go:embed system.md
var embeddedSystemMD string

//go:generate cp -r ../../prompts/roles .
//go:embed roles/*.md
var embeddedRoles embed.FS

// DefaultSystemMDURL is the default URL to fetch the latest SYSTEM.md from.
const DefaultSystemMDURL = "https://raw.githubusercontent.com/nbaertsch/squadron/main/prompts/SYSTEM.md"

// DefaultFetchTimeout is the default timeout for fetching remote prompts.
const DefaultFetchTimeout = 5 * time.Second

// maxPromptSize bounds a fetched prompt to 1MB.
const maxPromptSize = 1 << 20

// LoadSystemPrompt attempts to fetch the latest SYSTEM.md from fetchURL,
// falling back to the embedded version on any failure. If fetchURL is
// empty, DefaultSystemMDURL is used; if timeout is zero,
// DefaultFetchTimeout is used.
func LoadSystemPrompt(fetchURL string, timeout time.Duration) (string, error) {
	if fetchURL == "" {
		fetchURL = DefaultSystemMDURL
	}
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}

	content, err := fetchRemotePrompt(fetchURL, timeout)
	if err == nil && content != "" {
		return content, nil
	}

	if embeddedSystemMD == "" {
		return "", fmt.Errorf("no system prompt available: fetch failed (%v) and no embedded fallback", err)
	}
	return embeddedSystemMD, nil
}

// LoadRoleTemplate returns the embedded template for role, e.g.
// "feat-dev" -> prompts/roles/feat-dev.md. Unknown roles are an error:
// every configured agent_roles entry must have a matching template.
func LoadRoleTemplate(role string) (string, error) {
	data, err := embeddedRoles.ReadFile("roles/" + role + ".md")
	if err != nil {
		return "", fmt.Errorf("prompt: no template for role %q: %w", role, err)
	}
	return string(data), nil
}

// LoadProjectPrompt reads .squadron/AGENT.md from the given workspace
// directory, the project-local addendum appended after the role
// template. Returns empty string with nil error if the file is absent.
func LoadProjectPrompt(workDir string) (string, error) {
	agentMDPath := filepath.Join(workDir, ".squadron", "AGENT.md")

	data, err := os.ReadFile(agentMDPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read project prompt %s: %w", agentMDPath, err)
	}
	return string(data), nil
}

// Assemble concatenates the system prompt, the role template (with
// vars interpolated), and the project addendum (also interpolated)
// into the final session prompt.
func Assemble(systemPrompt, roleTemplate string, vars map[string]string, projectAddendum string) string {
	out := systemPrompt
	if roleTemplate != "" {
		out += "\n\n" + Render(roleTemplate, vars)
	}
	if projectAddendum != "" {
		out += "\n\n" + Render(projectAddendum, vars)
	}
	return out
}

var placeholderRE = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes every {name} placeholder in tmpl with vars[name].
// A name absent from vars interpolates to the empty string — a
// template must never fail because a trigger event omitted a field.
func Render(tmpl string, vars map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		return vars[name] // zero value "" when absent
	})
}

// fetchRemotePrompt fetches content from a URL with the given timeout.
// Response body is limited to maxPromptSize bytes to prevent unbounded allocation.
func fetchRemotePrompt(url string, timeout time.Duration) (string, error) {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPromptSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	return string(body), nil
}
