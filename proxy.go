package grab

import (
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"go.uber.org/zap"
)

// DefaultProxy is a public GitHub download mirror; urls are appended to it.
const DefaultProxy = "https://ghfast.top/"

// URLParts exposes the components of a download url to proxy templates.
// Values follow the WHATWG url naming, e.g. Protocol is "https:" and Search
// includes the leading "?".
type URLParts struct {
	Href     string
	Protocol string
	Host     string
	Hostname string
	Port     string
	Pathname string
	Search   string
	Hash     string
	Origin   string
}

// Parts splits a url into its components.
func Parts(raw string) (URLParts, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return URLParts{}, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return URLParts{}, fmt.Errorf("%q is not an absolute url", raw)
	}

	parts := URLParts{
		Href:     parsed.String(),
		Protocol: parsed.Scheme + ":",
		Host:     parsed.Host,
		Hostname: parsed.Hostname(),
		Port:     parsed.Port(),
		Pathname: parsed.EscapedPath(),
		Origin:   parsed.Scheme + "://" + parsed.Host,
	}
	if parts.Pathname == "" {
		parts.Pathname = "/"
	}
	if parsed.RawQuery != "" {
		parts.Search = "?" + parsed.RawQuery
	}
	if parsed.Fragment != "" {
		parts.Hash = "#" + parsed.EscapedFragment()
	}

	return parts, nil
}

// Resolve executes the format as a template. Both the field form, {{.Href}}, and the
// bare placeholder form, {{href}}, are understood.
func (p URLParts) Resolve(format string) (string, error) {
	tmpl, err := template.New("proxy").Funcs(p.funcs()).Option("missingkey=error").Parse(format)
	if err != nil {
		return "", err
	}

	var bld strings.Builder
	if err := tmpl.Execute(&bld, p); err != nil {
		return "", err
	}

	return bld.String(), nil
}

func (p URLParts) funcs() template.FuncMap {
	value := func(v string) func() string { return func() string { return v } }
	return template.FuncMap{
		"href":     value(p.Href),
		"protocol": value(p.Protocol),
		"host":     value(p.Host),
		"hostname": value(p.Hostname),
		"port":     value(p.Port),
		"pathname": value(p.Pathname),
		"search":   value(p.Search),
		"hash":     value(p.Hash),
		"origin":   value(p.Origin),
	}
}

// proxy rewrites download urls.
type proxy struct {
	template string
	fn       func(raw string) string
}

func (p *proxy) enabled() bool {
	return p != nil && (p.fn != nil || p.template != "")
}

// rewrite returns the proxied url. A format without placeholders is used as a prefix.
// Anything that can't produce an absolute url leaves the original untouched.
func (p *proxy) rewrite(raw string) string {
	if !p.enabled() {
		return raw
	}

	if p.fn != nil {
		return p.fn(raw)
	}

	var resolved string
	if strings.Contains(p.template, "{{") {
		parts, err := Parts(raw)
		if err != nil {
			zap.L().Warn("unable to parse download url, not using proxy", zap.String("url", raw), zap.Error(err))
			return raw
		}

		resolved, err = parts.Resolve(p.template)
		if err != nil {
			zap.L().Warn("invalid proxy template, not using proxy", zap.String("template", p.template), zap.Error(err))
			return raw
		}
	} else {
		resolved = p.template + raw
	}

	if _, err := Parts(resolved); err != nil {
		zap.L().Warn("proxy template produced an invalid url, not using proxy", zap.String("url", resolved), zap.Error(err))
		return raw
	}

	return resolved
}
