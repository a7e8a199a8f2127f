// Package datasettest writes synthetic source directories in the on-disk
// formats read by package dataset.
package datasettest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/sbinet/npyio/npz"

	"github.com/thalesfsp/ehrho/internal/dataset"
)

// Fixture describes a dataset. Tokens and Sparse are dense, one row per
// record; Sparse is stored as CSR.
type Fixture struct {
	Tokens [][]int32
	Sparse [][]float64
	CCS    []string
	Words  []string
}

// Balanced returns a fixture of n records where every even record carries
// code and the odd ones do not. The two classes get distinct token and
// sparse patterns so a model can tell them apart.
func Balanced(n int, code string) Fixture {
	f := Fixture{Words: []string{"pain", "chest", "fever", "cough", "wheeze", "rash"}}

	for i := 0; i < n; i++ {
		if i%2 == 0 {
			f.Tokens = append(f.Tokens, []int32{0, 1, 2, int32(1 + i%3)})
			f.Sparse = append(f.Sparse, []float64{1, 0, 0.5})
			f.CCS = append(f.CCS, fmt.Sprintf("[%s, 99]", code))
		} else {
			f.Tokens = append(f.Tokens, []int32{0, 4, 5, int32(4 + i%3)})
			f.Sparse = append(f.Sparse, []float64{0, 1, 0})
			f.CCS = append(f.CCS, "[42]")
		}
	}

	return f
}

// Write stores the fixture in dir under the given file names.
func Write(dir string, files dataset.Files, f Fixture) error {
	if err := writeTokens(filepath.Join(dir, files.Tokens), f.Tokens); err != nil {
		return err
	}

	if err := writeCSR(filepath.Join(dir, files.Sparse), f.Sparse); err != nil {
		return err
	}

	records := make([]*recordRow, len(f.CCS))
	for i, ccs := range f.CCS {
		records[i] = &recordRow{ID: i, CCS: ccs}
	}

	if err := writeCSV(filepath.Join(dir, files.Records), &records); err != nil {
		return err
	}

	vocab := make([]*dataset.VocabEntry, len(f.Words))
	for i, w := range f.Words {
		vocab[i] = &dataset.VocabEntry{Word: w, Value: i + 1}
	}

	return writeCSV(filepath.Join(dir, files.Vocab), &vocab)
}

type recordRow struct {
	ID  int    `csv:"id"`
	CCS string `csv:"ccs"`
}

func writeCSV(path string, rows interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return gocsv.MarshalFile(rows, f)
}

// writeTokens writes a 2-d <i4 array. npy.Write only produces 1-d arrays
// from slices, so the header is built here.
func writeTokens(path string, rows [][]int32) error {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}

	var body bytes.Buffer
	for _, row := range rows {
		if err := binary.Write(&body, binary.LittleEndian, row); err != nil {
			return err
		}
	}

	header := fmt.Sprintf("{'descr': '<i4', 'fortran_order': False, 'shape': (%d, %d), }", len(rows), cols)

	// magic(6) + version(2) + length(2) + header + '\n' is padded to 64.
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var out bytes.Buffer
	out.WriteString("\x93NUMPY")
	out.Write([]byte{1, 0})
	if err := binary.Write(&out, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	out.WriteString(header)
	out.Write(body.Bytes())

	return os.WriteFile(path, out.Bytes(), 0o644)
}

func writeCSR(path string, dense [][]float64) error {
	cols := 0
	if len(dense) > 0 {
		cols = len(dense[0])
	}

	indptr := []int32{0}
	var indices []int32
	var values []float64

	for _, row := range dense {
		for j, v := range row {
			if v != 0 {
				indices = append(indices, int32(j))
				values = append(values, v)
			}
		}

		indptr = append(indptr, int32(len(values)))
	}

	w, err := npz.Create(path)
	if err != nil {
		return err
	}

	members := []struct {
		name string
		val  interface{}
	}{
		{"indices.npy", indices},
		{"indptr.npy", indptr},
		{"data.npy", values},
		{"shape.npy", []int64{int64(len(dense)), int64(cols)}},
	}

	for _, m := range members {
		if err := w.Write(m.name, m.val); err != nil {
			_ = w.Close()
			return err
		}
	}

	return w.Close()
}
