package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/query"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		q    string
		want query.Mode
	}{
		{"empty string", "", query.ModeEmpty},
		{"whitespace only", "   ", query.ModeEmpty},
		{"camelCase identifier", "getHotStack", query.ModeLexical},
		{"snake_case identifier", "frame_manager", query.ModeLexical},
		{"dotted path", "internal.storage.sqlite", query.ModeLexical},
		{"file path", "internal/framemanager/manager.go", query.ModeLexical},
		{"short bag of words", "close frame bug", query.ModeLexical},
		{"natural language prose", "why did the authentication middleware start rejecting valid tokens after the refactor", query.ModeSemantic},
		{"question prose", "what decisions were made about the retry backoff policy for tier migrations", query.ModeSemantic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, query.Classify(tt.q))
		})
	}
}
