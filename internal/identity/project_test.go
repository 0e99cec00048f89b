package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/identity"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"ssh git remote", "git@github.com:acme/Widget.git", "git-github-com-acme-widget"},
		{"https remote", "https://github.com/acme/widget.git", "https-github-com-acme-widget"},
		{"bare path", "/home/dev/acme-widget", "home-dev-acme-widget"},
		{"already normalized", "already-normal", "already-normal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, identity.Normalize(tc.input))
		})
	}
}

func TestNormalizeTruncatesToMaxLen(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "a"
	}
	got := identity.Normalize(long)
	assert.LessOrEqual(t, len(got), identity.MaxProjectIDLen)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	const in = "git@github.com:user/repo.git"
	assert.Equal(t, identity.Normalize(in), identity.Normalize(in))
}
