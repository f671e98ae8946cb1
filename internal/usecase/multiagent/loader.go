package multiagent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"orchestra-ai/internal/domain"
)

// agentIDPattern restricts ids to names that are safe as file stems and URL
// path segments.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// documentKind maps a source file extension to the definition kind it holds.
// Files with other extensions are not agent sources.
func documentKind(name string) (domain.SourceKind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return domain.SourceStructured, true
	case ".md":
		return domain.SourceTemplated, true
	default:
		return "", false
	}
}

// ParseDocument decodes one agent source document. The kind is taken from the
// extension of name; id becomes the definition id.
func ParseDocument(id, name string, data []byte) (domain.AgentDefinition, error) {
	kind, ok := documentKind(name)
	if !ok {
		return domain.AgentDefinition{}, fmt.Errorf("%s: unsupported document type", name)
	}

	header := data
	var prompt string
	if kind == domain.SourceTemplated {
		var err error
		header, prompt, err = splitHeader(data)
		if err != nil {
			return domain.AgentDefinition{}, fmt.Errorf("%s: %w", name, err)
		}
	}

	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(name), ".json") {
		unmarshal = json.Unmarshal
	}

	var raw map[string]any
	if err := unmarshal(header, &raw); err != nil {
		return domain.AgentDefinition{}, fmt.Errorf("%s: parse: %w", name, err)
	}
	if raw == nil {
		return domain.AgentDefinition{}, fmt.Errorf("%s: empty document", name)
	}
	if err := validateDocument(raw); err != nil {
		return domain.AgentDefinition{}, fmt.Errorf("%s: %w", name, err)
	}

	var def domain.AgentDefinition
	if err := unmarshal(header, &def); err != nil {
		return domain.AgentDefinition{}, fmt.Errorf("%s: decode: %w", name, err)
	}
	def.ID = id
	def.SourceKind = kind
	def.Prompt = prompt
	return def, nil
}

// splitHeader separates a templated document into its header block and the
// prompt text that follows. The header is delimited by lines holding only "---".
func splitHeader(data []byte) ([]byte, string, error) {
	content := bytes.TrimLeft(data, " \t\r\n")
	lines := strings.SplitAfter(string(content), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return nil, "", fmt.Errorf("missing header delimiter")
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			header := strings.Join(lines[1:i], "")
			body := strings.Join(lines[i+1:], "")
			return []byte(header), strings.TrimSpace(body), nil
		}
	}
	return nil, "", fmt.Errorf("missing closing header delimiter")
}

// normalize validates a definition and puts its fields into canonical form:
// trimmed, deduplicated capabilities, cleaned path prefixes and a positive
// timeout. The input is not modified.
func normalize(def domain.AgentDefinition) (domain.AgentDefinition, error) {
	if !agentIDPattern.MatchString(def.ID) {
		return def, fmt.Errorf("invalid agent id %q: %w", def.ID, domain.ErrInvalidInput)
	}
	def.Description = strings.TrimSpace(def.Description)
	if def.Description == "" {
		return def, fmt.Errorf("agent %q: description is required: %w", def.ID, domain.ErrInvalidInput)
	}
	if def.TimeoutSeconds < 0 {
		return def, fmt.Errorf("agent %q: timeout_seconds must be positive: %w", def.ID, domain.ErrInvalidInput)
	}
	if def.TimeoutSeconds == 0 {
		def.TimeoutSeconds = domain.DefaultTimeoutSeconds
	}
	if def.SourceKind == "" {
		def.SourceKind = domain.SourceStructured
		if strings.TrimSpace(def.Prompt) != "" {
			def.SourceKind = domain.SourceTemplated
		}
	}

	def.Capabilities = dedupeTags(def.Capabilities)
	def.AllowedPaths = cleanPrefixes(def.AllowedPaths)
	def.ForbiddenPaths = cleanPrefixes(def.ForbiddenPaths)
	if len(def.Command) > 0 {
		def.Command = append([]string(nil), def.Command...)
	}
	if def.Temperature != nil {
		t := *def.Temperature
		def.Temperature = &t
	}
	return def, nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func cleanPrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return nil
	}
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, cleanPath(p))
	}
	return out
}

// cleanPath normalises separators and removes ".", ".." and duplicate slashes.
func cleanPath(p string) string {
	return path.Clean(filepath.ToSlash(strings.TrimSpace(p)))
}
