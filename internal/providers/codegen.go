// Package providers implements thin HTTP clients for the two external
// collaborators this core depends on but does not own: the code-gen
// provider and the scoring provider. Both are bespoke internal
// services, not generated SDKs, so each client is a small struct
// holding a *http.Client with a timeout.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/refineloop/internal/domain"
)

// CodeGenClient calls the code-gen provider and parses its response
// into a list of generated files.
type CodeGenClient struct {
	baseURL string
	http    *http.Client
}

// NewCodeGenClient builds a client with the given request timeout.
func NewCodeGenClient(baseURL string, timeout time.Duration) *CodeGenClient {
	return &CodeGenClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

type codeGenRequest struct {
	Prompt string `json:"prompt"`
}

type codeGenResponse struct {
	Text string `json:"text"`
}

// fileBlockRe matches <file path="...">...</file> entries anywhere in
// the text; a surrounding <files> wrapper is not required.
var fileBlockRe = regexp.MustCompile(`(?s)<file\s+path="([^"]+)"\s*>(.*?)</file>`)

// ErrNoFiles is returned when the provider's response contained zero
// valid <file> entries; DESIGN.md records this as a decision to treat
// it as a failure of the iteration rather than a silent no-op.
var ErrNoFiles = fmt.Errorf("code-gen response contained no valid file entries")

// Generate sends prompt to the provider and returns the parsed,
// path-sanitized file list. ctx carries the cancellation handle `stop`
// can trip to abort an in-flight request.
func (c *CodeGenClient) Generate(ctx context.Context, prompt string) ([]domain.GeneratedFile, error) {
	body, err := json.Marshal(codeGenRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal code-gen request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build code-gen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call code-gen provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("code-gen provider returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read code-gen response: %w", err)
	}

	var parsed codeGenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("malformed code-gen response: %w", err)
	}

	return ParseFiles(parsed.Text)
}

// ParseFiles extracts and sanitizes every <file path="...">...</file>
// entry from a code-gen blob, stripping code fences, rejecting any path
// containing ".." or starting with "/", and normalizing paths to live
// under "src/".
func ParseFiles(text string) ([]domain.GeneratedFile, error) {
	matches := fileBlockRe.FindAllStringSubmatch(text, -1)
	var files []domain.GeneratedFile
	for _, m := range matches {
		path := strings.TrimSpace(m[1])
		contents := stripCodeFences(m[2])

		if strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
			continue
		}
		if !strings.HasPrefix(path, "src/") {
			path = "src/" + strings.TrimPrefix(path, "./")
		}

		files = append(files, domain.GeneratedFile{RelativePath: path, Contents: contents})
	}

	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	return files, nil
}

var fenceRe = regexp.MustCompile("(?m)^```[a-zA-Z0-9]*\\n|\\n```\\s*$")

func stripCodeFences(s string) string {
	return fenceRe.ReplaceAllString(strings.TrimSpace(s), "")
}
