package policy_test

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rewardly/sync-bridge/internal/policy"
	"github.com/rewardly/sync-bridge/internal/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const policyYAML = `
defaults:
  ttl: 45s
resources:
  - prefix: /products
    tags: [products]
    ttl: 5m
  - prefix: /products/featured
    tags: [products, featured]
  - prefix: /cart
    tags: [cart]
    ttl: 10s
`

func TestParse(t *testing.T) {
	p, err := policy.Parse(strings.NewReader(policyYAML), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, p.Defaults.TTL)
	require.Len(t, p.Resources, 3)
	assert.Equal(t, 5*time.Minute, p.Resources[0].TTL)
}

func TestParse_Empty(t *testing.T) {
	p, err := policy.Parse(strings.NewReader(""), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, p.Defaults.TTL)
	assert.Empty(t, p.Resources)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name     string
		yaml     string
		expected string
	}{
		{
			name:     "unknown field",
			yaml:     "resources:\n  - prefix: /cart\n    tag: [cart]\n",
			expected: "field tag not found",
		},
		{
			name:     "relative prefix",
			yaml:     "resources:\n  - prefix: cart\n",
			expected: "must start with /",
		},
		{
			name:     "duplicate prefix",
			yaml:     "resources:\n  - prefix: /cart\n  - prefix: /cart\n",
			expected: "duplicate resource prefix",
		},
		{
			name:     "bad duration",
			yaml:     "defaults:\n  ttl: soon\n",
			expected: "parsing failed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.Parse(strings.NewReader(tc.yaml), time.Minute)
			assert.ErrorContains(t, err, tc.expected)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	p, err := policy.Load(path, time.Minute)
	require.NoError(t, err)
	assert.Len(t, p.Resources, 3)

	_, err = policy.Load(filepath.Join(t.TempDir(), "absent.yaml"), time.Minute)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	p, err := policy.Parse(strings.NewReader(policyYAML), time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name         string
		method       string
		path         string
		opts         []request.Option
		expectedTags []string
		expectedTTL  time.Duration
	}{
		{
			name:         "read of a resource",
			method:       http.MethodGet,
			path:         "/products",
			expectedTags: []string{"products"},
			expectedTTL:  5 * time.Minute,
		},
		{
			name:         "longest prefix wins",
			method:       http.MethodGet,
			path:         "/products/featured/today",
			expectedTags: []string{"products", "featured"},
			expectedTTL:  45 * time.Second,
		},
		{
			name:         "prefix matches whole segments",
			method:       http.MethodGet,
			path:         "/cartography",
			expectedTags: nil,
			expectedTTL:  45 * time.Second,
		},
		{
			name:         "mutation gets tags but no ttl",
			method:       http.MethodPost,
			path:         "/cart/add",
			expectedTags: []string{"cart"},
			expectedTTL:  0,
		},
		{
			name:         "declared values are kept",
			method:       http.MethodGet,
			path:         "/cart",
			opts:         []request.Option{request.WithTags("basket"), request.WithTTL(time.Second)},
			expectedTags: []string{"basket"},
			expectedTTL:  time.Second,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := request.New(tc.method, tc.path, tc.opts...)
			require.NoError(t, err)

			applied := p.Apply(d)

			assert.Equal(t, tc.expectedTags, applied.Tags)
			assert.Equal(t, tc.expectedTTL, applied.TTL)
		})
	}
}

func TestApply_DoesNotShareTags(t *testing.T) {
	p, err := policy.Parse(strings.NewReader(policyYAML), time.Minute)
	require.NoError(t, err)

	d, err := request.New(http.MethodGet, "/cart")
	require.NoError(t, err)

	applied := p.Apply(d)
	applied.Tags[0] = "changed"

	assert.Equal(t, []string{"cart"}, p.Apply(d).Tags)
}
