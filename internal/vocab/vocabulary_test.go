package vocab

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultVocabulary(t *testing.T) {
	v := Default()
	assert.Equal(t, 25, v.Size())
	assert.Equal(t, StartToken, v.Symbol(v.Start()))
	assert.Equal(t, StopToken, v.Symbol(v.Stop()))

	x, err := v.Index('X')
	require.NoError(t, err)
	for _, alias := range []byte("ZBJ") {
		idx, err := v.Index(alias)
		require.NoError(t, err)
		assert.Equal(t, x, idx)
	}
}

func TestEncodeRejectsUnknownSymbols(t *testing.T) {
	v := Default()
	got, err := v.Encode("MKV")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 15}, got)

	_, err = v.Encode("MK1")
	require.ErrorIs(t, err, ErrUnknownSymbol)
	require.ErrorIs(t, v.Validate([]string{"MK", "m"}), ErrUnknownSymbol)
}

func TestSeededEmbeddingIsDeterministic(t *testing.T) {
	a := NewSeededEmbedding(25, 4, 7)
	b := NewSeededEmbedding(25, 4, 7)
	assert.Equal(t, a.Vectors, b.Vectors)
	assert.Len(t, a.Vector(3), 4)
}

func TestLoadEmbeddingChecksShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embedding.json")

	data, err := json.Marshal(NewSeededEmbedding(25, 3, 1))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	table, err := LoadEmbedding(path, 25)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Width())

	_, err = LoadEmbedding(path, 26)
	require.ErrorIs(t, err, ErrEmbeddingShape)
}
