package seqio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evotune/internal/vocab"
)

func TestReadFASTA(t *testing.T) {
	in := ">sp|P1|first\nMKV\nla\n\n>second desc\nGG ST\n"
	records, err := Read(strings.NewReader(in), FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{Name: "sp|P1|first", Sequence: "MKVLA"},
		{Name: "second desc", Sequence: "GGST"},
	}, records)
}

func TestReadLines(t *testing.T) {
	records, err := Read(strings.NewReader("mkv\n\n  GGS  \n"), FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, []string{"MKV", "GGS"}, Sequences(records))
	assert.Equal(t, "line_3", records[1].Name)
}

func TestReadRejectsMalformedFASTA(t *testing.T) {
	_, err := Read(strings.NewReader("MKV\n>x\nGG\n"), FormatFASTA)
	require.Error(t, err)

	_, err = Read(strings.NewReader(">empty\n>x\nGG\n"), FormatAuto)
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]Format{"": FormatAuto, "FASTA": FormatFASTA, "lines": FormatLines, "fa": FormatFASTA} {
		got, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseFormat("csv")
	require.Error(t, err)
}

func TestLoadSequencesGzipAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.fasta.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(">a\nMKVLA\n>b\nACDEF\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	seqs, err := LoadSequences(path, FormatAuto, vocab.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"MKVLA", "ACDEF"}, seqs)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("MK1\n"), 0o644))
	_, err = LoadSequences(bad, FormatLines, vocab.Default())
	require.ErrorIs(t, err, vocab.ErrUnknownSymbol)

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n\n"), 0o644))
	_, err = LoadSequences(empty, FormatAuto, nil)
	require.ErrorIs(t, err, ErrEmptyCorpus)

	seqs, err = LoadSequences("", FormatAuto, nil)
	require.NoError(t, err)
	assert.Nil(t, seqs)
}
