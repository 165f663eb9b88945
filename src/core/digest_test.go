package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razel-build/razel/src/fs"
)

func writeFixture(t *testing.T, root, rel, contents string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestDigestActionIsDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "in/one.txt", "hello")

	a := &Action{
		Name:    "combine",
		Args:    []string{"cat", "in/one.txt"},
		Env:     map[string]string{"A": "1"},
		Inputs:  []string{"in/one.txt"},
		Outputs: []string{"out.txt"},
	}

	d1 := NewDigester(fs.NewPathHasher(root))
	_, _, digest1, err := d1.DigestAction(a, root)
	require.NoError(t, err)

	d2 := NewDigester(fs.NewPathHasher(root))
	_, _, digest2, err := d2.DigestAction(a, root)
	require.NoError(t, err)

	assert.Equal(t, digest1.Hash, digest2.Hash)
}

func TestDigestActionChangesWithInputContent(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "in/one.txt", "hello")

	a := &Action{Name: "a", Args: []string{"cat", "in/one.txt"}, Inputs: []string{"in/one.txt"}}
	_, _, before, err := NewDigester(fs.NewPathHasher(root)).DigestAction(a, root)
	require.NoError(t, err)

	writeFixture(t, root, "in/one.txt", "goodbye")
	// A fresh hasher, since PathHasher memoises by design (Design Notes:
	// hash memoisation) and a single instance wouldn't see the rewrite.
	_, _, after, err := NewDigester(fs.NewPathHasher(root)).DigestAction(a, root)
	require.NoError(t, err)

	assert.NotEqual(t, before.Hash, after.Hash)
}

func TestSplitOutputsSeparatesDirectories(t *testing.T) {
	files, dirs := splitOutputs([]string{"c.bin", "b/", "a.txt"})
	assert.Equal(t, []string{"a.txt", "c.bin"}, files)
	assert.Equal(t, []string{"b"}, dirs)
}

func TestDigestActionIgnoresOutputOrder(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "in/one.txt", "hello")

	forward := &Action{Name: "a", Args: []string{"cat", "in/one.txt"}, Inputs: []string{"in/one.txt"},
		Outputs: []string{"a.txt", "b.txt", "c.txt"}}
	reversed := &Action{Name: "a", Args: []string{"cat", "in/one.txt"}, Inputs: []string{"in/one.txt"},
		Outputs: []string{"c.txt", "b.txt", "a.txt"}}

	_, _, d1, err := NewDigester(fs.NewPathHasher(root)).DigestAction(forward, root)
	require.NoError(t, err)
	_, _, d2, err := NewDigester(fs.NewPathHasher(root)).DigestAction(reversed, root)
	require.NoError(t, err)

	assert.Equal(t, d1.Hash, d2.Hash)
}

func TestDigestActionDistinguishesDoNotCache(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "in/one.txt", "hello")

	cacheable := &Action{Name: "a", Args: []string{"cat", "in/one.txt"}, Inputs: []string{"in/one.txt"}}
	uncacheable := &Action{Name: "a", Args: []string{"cat", "in/one.txt"}, Inputs: []string{"in/one.txt"}, NoCache: true}

	_, _, d1, err := NewDigester(fs.NewPathHasher(root)).DigestAction(cacheable, root)
	require.NoError(t, err)
	_, _, d2, err := NewDigester(fs.NewPathHasher(root)).DigestAction(uncacheable, root)
	require.NoError(t, err)

	assert.NotEqual(t, d1.Hash, d2.Hash)
}
