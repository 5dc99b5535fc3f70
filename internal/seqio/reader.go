// Package seqio reads protein sequence corpora. Files are either FASTA or
// plain text with one sequence per line; a .gz suffix is decompressed.
package seqio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"evotune/internal/vocab"
)

var ErrEmptyCorpus = errors.New("corpus contains no sequences")

// Record is one named sequence. Plain-text corpora name records by line
// number.
type Record struct {
	Name     string
	Sequence string
}

type Format int

const (
	FormatAuto Format = iota
	FormatFASTA
	FormatLines
)

func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return FormatAuto, nil
	case "fasta", "fa":
		return FormatFASTA, nil
	case "lines", "txt", "text":
		return FormatLines, nil
	default:
		return FormatAuto, fmt.Errorf("unsupported sequence format: %s", name)
	}
}

// Read parses every record in r. Sequences are upper-cased and stripped of
// whitespace; blank lines are ignored.
func Read(r io.Reader, format Format) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		records []Record
		current *Record
		body    strings.Builder
		lineNo  int
	)
	flush := func() {
		if current != nil {
			current.Sequence = body.String()
			records = append(records, *current)
			current = nil
			body.Reset()
		}
	}
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if format == FormatAuto {
			format = FormatLines
			if strings.HasPrefix(line, ">") {
				format = FormatFASTA
			}
		}
		switch format {
		case FormatFASTA:
			if strings.HasPrefix(line, ">") {
				flush()
				current = &Record{Name: strings.TrimSpace(line[1:])}
				continue
			}
			if current == nil {
				return nil, fmt.Errorf("line %d: sequence data before the first FASTA header", lineNo)
			}
			body.WriteString(normalize(line))
		default:
			records = append(records, Record{Name: fmt.Sprintf("line_%d", lineNo), Sequence: normalize(line)})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	for _, rec := range records {
		if rec.Sequence == "" {
			return nil, fmt.Errorf("record %q has an empty sequence", rec.Name)
		}
	}
	return records, nil
}

// ReadFile reads a corpus file, inferring the format from the content when
// format is FormatAuto.
func ReadFile(path string, format Format) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	records, err := Read(r, format)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}

// LoadSequences reads path and checks every sequence against v. An empty
// path yields no sequences.
func LoadSequences(path string, format Format, v *vocab.Vocabulary) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	records, err := ReadFile(path, format)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyCorpus)
	}
	seqs := Sequences(records)
	if v != nil {
		if err := v.Validate(seqs); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return seqs, nil
}

func Sequences(records []Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Sequence
	}
	return out
}

func normalize(line string) string {
	return strings.ToUpper(strings.Join(strings.Fields(line), ""))
}
