package client

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/dan-strohschein/recordkit/mapper"
	"github.com/dan-strohschein/recordkit/protocol"
)

// placeholderPattern matches {{name}} with optional inner spaces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// QueryTemplate is a compiled query text with {{name}} placeholders. The
// service binds the values; the client only checks that every placeholder
// has one.
type QueryTemplate struct {
	text   string
	params []string
}

// CompileTemplate parses text and collects its placeholder names in order
// of first appearance.
func CompileTemplate(text string) (*QueryTemplate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidQuery(text, "query text is empty")
	}

	stripped := placeholderPattern.ReplaceAllString(text, "")
	if strings.Contains(stripped, "{{") || strings.Contains(stripped, "}}") {
		return nil, ErrInvalidQuery(text, "malformed placeholder; use {{name}} with letters, digits and underscores")
	}

	seen := make(map[string]bool)
	var params []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if name := match[1]; !seen[name] {
			seen[name] = true
			params = append(params, name)
		}
	}
	return &QueryTemplate{text: text, params: params}, nil
}

// Text returns the original query text.
func (t *QueryTemplate) Text() string {
	return t.text
}

// Params returns the placeholder names.
func (t *QueryTemplate) Params() []string {
	out := make([]string, len(t.params))
	copy(out, t.params)
	return out
}

// Bind builds the query request. Every placeholder needs a value and every
// value needs a placeholder.
func (t *QueryTemplate) Bind(params map[string]interface{}) (*protocol.Request, error) {
	bound := make(map[string]interface{}, len(t.params))
	for _, name := range t.params {
		value, ok := params[name]
		if !ok {
			return nil, ErrMissingParameter(t.text, name)
		}
		bound[name] = value
	}

	if len(params) > len(bound) {
		var extra []string
		for name := range params {
			if _, ok := bound[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		qe := ErrInvalidQuery(t.text, "parameters without placeholder: "+strings.Join(extra, ", "))
		qe.Params = params
		return nil, qe
	}

	return &protocol.Request{Op: protocol.OpQuery, Text: t.text, Params: bound}, nil
}

// Prepare compiles text, reusing a cached template when one exists.
func (c *Client) Prepare(text string) (*QueryTemplate, error) {
	if tmpl, ok := c.templates.Get(text); ok {
		return tmpl, nil
	}
	tmpl, err := CompileTemplate(text)
	if err != nil {
		return nil, err
	}
	c.templates.Add(tmpl)
	return tmpl, nil
}

// QueryText runs a templated query and returns the matching records.
func (c *Client) QueryText(ctx context.Context, text string, params map[string]interface{}) ([]map[string]interface{}, error) {
	tmpl, err := c.Prepare(text)
	if err != nil {
		return nil, err
	}
	req, err := tmpl.Bind(params)
	if err != nil {
		return nil, err
	}

	resp, err := c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	records, err := mapper.Records(resp.Data)
	if err != nil {
		return nil, ErrMalformedResponse(protocol.OpQuery, err.Error())
	}
	return records, nil
}

// TemplateCacheStats returns template cache statistics.
func (c *Client) TemplateCacheStats() CacheSnapshot {
	return c.templates.Stats()
}
