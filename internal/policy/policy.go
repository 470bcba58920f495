// Package policy maps resource path prefixes to the cache tags and TTLs of
// their requests, so API wrappers need not repeat them.
package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rewardly/sync-bridge/internal/request"
	"gopkg.in/yaml.v3"
)

// Policy is the resource policy file:
//
//	defaults:
//	  ttl: 60s
//	resources:
//	  - prefix: /products
//	    tags: [products]
//	    ttl: 5m
type Policy struct {
	Defaults struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"defaults"`
	Resources []Resource `yaml:"resources"`
}

type Resource struct {
	Prefix string        `yaml:"prefix"`
	Tags   []string      `yaml:"tags"`
	TTL    time.Duration `yaml:"ttl"`
}

// Default returns a policy with no resources, applying only defaultTTL.
func Default(defaultTTL time.Duration) *Policy {
	p := &Policy{}
	p.Defaults.TTL = defaultTTL
	return p
}

// Load reads the policy file at path. The defaultTTL applies when the file
// does not set one.
func Load(path string, defaultTTL time.Duration) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resource policy could not be opened: %w", err)
	}
	defer f.Close()

	return Parse(f, defaultTTL)
}

func Parse(r io.Reader, defaultTTL time.Duration) (*Policy, error) {
	p := Default(defaultTTL)

	dec := yaml.NewDecoder(r)
	// a typo must not silently disable invalidation for a resource
	dec.KnownFields(true)

	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("resource policy parsing failed: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Policy) Validate() error {
	if p.Defaults.TTL < 0 {
		return fmt.Errorf("default ttl must not be negative")
	}

	seen := map[string]bool{}
	for _, r := range p.Resources {
		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("resource prefix %q must start with /", r.Prefix)
		}
		if seen[r.Prefix] {
			return fmt.Errorf("duplicate resource prefix %q", r.Prefix)
		}
		seen[r.Prefix] = true

		if r.TTL < 0 {
			return fmt.Errorf("resource %q: ttl must not be negative", r.Prefix)
		}
	}

	return nil
}

// Apply fills the tags and TTL a descriptor does not declare from the longest
// matching resource prefix. Declared values are never overridden.
func (p *Policy) Apply(d request.Descriptor) request.Descriptor {
	r, found := p.match(d.NormalizedPath())

	if len(d.Tags) == 0 && found {
		d.Tags = slices.Clone(r.Tags)
	}

	if d.TTL == 0 && d.IsRead() {
		d.TTL = p.Defaults.TTL
		if found && r.TTL > 0 {
			d.TTL = r.TTL
		}
	}

	return d
}

// match finds the resource with the longest prefix of path. Prefixes match
// whole segments: /cart matches /cart/add but not /cartography.
func (p *Policy) match(path string) (Resource, bool) {
	var (
		best  Resource
		found bool
	)
	for _, r := range p.Resources {
		prefix := strings.TrimSuffix(r.Prefix, "/")
		if path != prefix && !strings.HasPrefix(path, prefix+"/") && prefix != "" {
			continue
		}
		if !found || len(prefix) > len(strings.TrimSuffix(best.Prefix, "/")) {
			best, found = r, true
		}
	}
	return best, found
}
