// Package ruleset loads per-host request header overrides from YAML.
// Some origins only answer when they see a particular User-Agent, referer
// or cookie; a ruleset lets the operator pin those per domain without
// rebuilding the proxy.
package ruleset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Headers are the request header overrides a rule can pin. The literal
// value "none" suppresses the proxy's default for that header entirely.
type Headers struct {
	UserAgent     string `yaml:"user-agent,omitempty"`
	XForwardedFor string `yaml:"x-forwarded-for,omitempty"`
	Referer       string `yaml:"referer,omitempty"`
	Cookie        string `yaml:"cookie,omitempty"`
}

// Rule applies to one domain (or list of domains) and its subdomains.
type Rule struct {
	Domain  string   `yaml:"domain,omitempty"`
	Domains []string `yaml:"domains,omitempty"`
	Headers Headers  `yaml:"headers,omitempty"`
}

type Ruleset []Rule

// Load reads rules from path, which may be a single YAML file or a
// directory walked for .yml/.yaml files. An empty path yields an empty
// ruleset.
func Load(path string) (Ruleset, error) {
	if path == "" {
		return Ruleset{}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset path %q: %w", path, err)
	}

	if !info.IsDir() {
		return loadFile(path)
	}

	var rs Ruleset
	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || (!strings.HasSuffix(p, ".yml") && !strings.HasSuffix(p, ".yaml")) {
			return nil
		}
		rules, err := loadFile(p)
		if err != nil {
			return err
		}
		rs = append(rs, rules...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func loadFile(path string) (Ruleset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}
	var rs Ruleset
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("syntax error in rules file %q: %w", path, err)
	}
	return rs, nil
}

// Match returns the first rule covering host, matching exact domains and
// subdomains. The zero Rule means no overrides.
func (rs Ruleset) Match(host string) Rule {
	for _, rule := range rs {
		domains := rule.Domains
		if rule.Domain != "" {
			domains = append([]string{rule.Domain}, domains...)
		}
		for _, d := range domains {
			if d == host || strings.HasSuffix(host, "."+d) {
				return rule
			}
		}
	}
	return Rule{}
}

// Domains lists every domain named by the ruleset.
func (rs Ruleset) Domains() []string {
	var domains []string
	for _, rule := range rs {
		if rule.Domain != "" {
			domains = append(domains, rule.Domain)
		}
		domains = append(domains, rule.Domains...)
	}
	return domains
}

// Count reports the number of rules.
func (rs Ruleset) Count() int {
	return len(rs)
}
