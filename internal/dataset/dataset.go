// Package dataset loads the EHR artifacts shared by every target code: the
// token sequence matrix, the sparse feature matrix, the record table and the
// vocabulary.
package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// Files names the four artifacts inside the source directory.
type Files struct {
	Tokens  string
	Sparse  string
	Records string
	Vocab   string
}

// DefaultFiles returns the artifact names written by the preprocessing step.
func DefaultFiles() Files {
	return Files{
		Tokens:  "word_sents.npy",
		Sparse:  "sparse_records.npz",
		Records: "records_clipped.csv",
		Vocab:   "word_dict.csv",
	}
}

// Record is one row of the record table. Columns other than ccs are ignored.
type Record struct {
	// CCS holds the coded conditions of the visit.
	CCS string `csv:"ccs"`
}

// VocabEntry is one row of the vocabulary table.
type VocabEntry struct {
	Word  string `csv:"word"`
	Value int    `csv:"value"`
}

// Vocab maps a token string to its integer id.
type Vocab map[string]int

// Size is the number of distinct words.
func (v Vocab) Size() int {
	return len(v)
}

// Dataset holds every artifact in memory. Rows of Tokens, Sparse and Records
// are expected to describe the same records in the same order; this is not
// checked here.
type Dataset struct {
	Tokens  *TokenMatrix
	Sparse  *CSR
	Records []*Record
	Vocab   Vocab
}

// NumRecords is the length of the record table.
func (d *Dataset) NumRecords() int {
	return len(d.Records)
}

// Load reads the four artifacts from dir.
func Load(dir string, files Files) (*Dataset, error) {
	tokens, err := LoadTokens(filepath.Join(dir, files.Tokens))
	if err != nil {
		return nil, err
	}

	sparse, err := LoadCSR(filepath.Join(dir, files.Sparse))
	if err != nil {
		return nil, err
	}

	records, err := LoadRecords(filepath.Join(dir, files.Records))
	if err != nil {
		return nil, err
	}

	vocab, err := LoadVocab(filepath.Join(dir, files.Vocab))
	if err != nil {
		return nil, err
	}

	return &Dataset{
		Tokens:  tokens,
		Sparse:  sparse,
		Records: records,
		Vocab:   vocab,
	}, nil
}

// LoadRecords decodes the record table.
func LoadRecords(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open record table")
	}
	defer f.Close()

	var records []*Record
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, errors.Wrapf(err, "decode record table %s", path)
	}

	return records, nil
}

// LoadVocab decodes the vocabulary table. Later rows win on duplicate words.
func LoadVocab(path string) (Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open vocabulary")
	}
	defer f.Close()

	var entries []*VocabEntry
	if err := gocsv.UnmarshalFile(f, &entries); err != nil {
		return nil, errors.Wrapf(err, "decode vocabulary %s", path)
	}

	vocab := make(Vocab, len(entries))
	for _, e := range entries {
		vocab[e.Word] = e.Value
	}

	return vocab, nil
}

// Labels marks with 1 every record whose coded conditions contain code.
func Labels(records []*Record, code string) []uint8 {
	labels := make([]uint8, len(records))

	for i, r := range records {
		if strings.Contains(r.CCS, code) {
			labels[i] = 1
		}
	}

	return labels
}
