package linear_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/linear"
)

func TestLoadMissingFileReturnsEmptyStore(t *testing.T) {
	s, err := linear.Load(filepath.Join(t.TempDir(), "linear-mappings.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Mappings)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linear-mappings.json")
	s := &linear.Store{}
	s.Link("tsk-1", "ENG-42", "https://linear.app/acme/issue/ENG-42")
	require.NoError(t, s.Save(path))

	loaded, err := linear.Load(path)
	require.NoError(t, err)
	m, ok := loaded.Lookup("tsk-1")
	require.True(t, ok)
	assert.Equal(t, "ENG-42", m.IssueID)
}

func TestLinkUpsertsExistingMapping(t *testing.T) {
	s := &linear.Store{}
	s.Link("tsk-1", "ENG-1", "")
	s.Link("tsk-1", "ENG-2", "")
	require.Len(t, s.Mappings, 1)
	m, _ := s.Lookup("tsk-1")
	assert.Equal(t, "ENG-2", m.IssueID)
}
