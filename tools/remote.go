package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"rag.evalgo.org/common"
)

// Manifest describes remote HTTP tools loaded from a YAML file.
type Manifest struct {
	Tools []ManifestTool `yaml:"tools"`
}

// ManifestTool is one remote tool entry. InputSchema is inline JSON Schema
// expressed in YAML.
type ManifestTool struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	URL         string                 `yaml:"url"`
	Headers     map[string]string      `yaml:"headers"`
	CostHint    string                 `yaml:"cost_hint"`
	InputSchema map[string]interface{} `yaml:"input_schema"`
}

// LoadManifest parses a tool manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.Wrap(common.KindValidation, "TOOL_MANIFEST", "reading tool manifest", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, common.Wrap(common.KindValidation, "TOOL_MANIFEST", "parsing tool manifest", err)
	}
	for _, tool := range manifest.Tools {
		if tool.Name == "" || tool.URL == "" {
			return nil, common.E(common.KindValidation, "TOOL_MANIFEST",
				"every manifest tool needs a name and a url")
		}
	}
	return &manifest, nil
}

// RegisterManifest registers every manifest entry as a remote tool.
func RegisterManifest(registry *Registry, manifest *Manifest, client *http.Client) error {
	for _, entry := range manifest.Tools {
		tool, err := newRemoteTool(entry, client)
		if err != nil {
			return err
		}
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// remoteTool forwards the validated arguments to an HTTP endpoint and
// returns the response body as the tool result.
type remoteTool struct {
	name        string
	description string
	url         string
	headers     map[string]string
	costHint    string
	schema      json.RawMessage
	client      *http.Client
}

func newRemoteTool(entry ManifestTool, client *http.Client) (*remoteTool, error) {
	var schema json.RawMessage
	if entry.InputSchema != nil {
		data, err := json.Marshal(entry.InputSchema)
		if err != nil {
			return nil, common.Wrap(common.KindValidation, "TOOL_MANIFEST",
				"encoding input schema for "+entry.Name, err)
		}
		schema = data
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &remoteTool{
		name:        entry.Name,
		description: entry.Description,
		url:         entry.URL,
		headers:     entry.Headers,
		costHint:    costHint(entry.CostHint),
		schema:      schema,
		client:      client,
	}, nil
}

// Remote invocations are network calls, so the hint defaults to expensive.
func costHint(declared string) string {
	if declared != "" {
		return declared
	}
	return "expensive"
}

func (t *remoteTool) Name() string                 { return t.name }
func (t *remoteTool) Description() string          { return t.description }
func (t *remoteTool) InputSchema() json.RawMessage { return t.schema }
func (t *remoteTool) CostHint() string             { return t.costHint }

func (t *remoteTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(args))
	if err != nil {
		return "", common.Wrap(common.KindInternal, "TOOL_REQUEST", "building request for "+t.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", common.Wrap(common.KindUnavailable, "TOOL_UNAVAILABLE", "tool "+t.name+" unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolArgsResult))
	if err != nil {
		return "", common.Wrap(common.KindUnavailable, "TOOL_UNAVAILABLE", "reading response from "+t.name, err)
	}
	if resp.StatusCode >= 400 {
		return "", common.E(common.KindUnavailable, "TOOL_FAILED",
			fmt.Sprintf("tool %s returned %d: %s", t.name, resp.StatusCode, truncateResult(string(body))))
	}
	return string(body), nil
}

const maxToolArgsResult = 1 << 20

func truncateResult(s string) string {
	if len(s) <= 256 {
		return s
	}
	return s[:256] + "..."
}

var (
	_ Tool = (*remoteTool)(nil)
	_ Tool = Calculator{}
	_ Tool = CurrentTime{}
)
