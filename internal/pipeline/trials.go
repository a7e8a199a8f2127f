package pipeline

import (
	"os"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// TrialRow is one line of the trial table.
type TrialRow struct {
	Run        string  `csv:"run"`
	Trial      int     `csv:"trial"`
	Phase      string  `csv:"phase"`
	EDrop      float64 `csv:"e_drop"`
	RDrop      float64 `csv:"r_drop"`
	ESize      int     `csv:"e_size"`
	RSize      int     `csv:"r_size"`
	Score      float64 `csv:"score"`
	BestEpoch  int     `csv:"best_epoch"`
	Epochs     int     `csv:"epochs"`
	Checkpoint string  `csv:"checkpoint"`
	Seconds    float64 `csv:"seconds"`
}

// TrialLog appends rows to a CSV table. The header is written only when the
// file is empty. It is safe for concurrent use.
type TrialLog struct {
	path string

	mu sync.Mutex
}

// NewTrialLog returns a log writing to path. Nothing is created until the
// first Append.
func NewTrialLog(path string) *TrialLog {
	return &TrialLog{path: path}
}

// Path is the file backing the log.
func (l *TrialLog) Path() string {
	return l.path
}

// Append writes row at the end of the table.
func (l *TrialLog) Append(row *TrialRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open trial log")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat trial log")
	}

	rows := []*TrialRow{row}

	if info.Size() == 0 {
		err = gocsv.Marshal(&rows, f)
	} else {
		err = gocsv.MarshalWithoutHeaders(&rows, f)
	}

	if err != nil {
		return errors.Wrapf(err, "append trial %d", row.Trial)
	}

	return errors.Wrap(f.Close(), "close trial log")
}

// ReadTrialLog decodes a table written by TrialLog.
func ReadTrialLog(path string) ([]*TrialRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open trial log")
	}
	defer f.Close()

	var rows []*TrialRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, errors.Wrapf(err, "decode trial log %s", path)
	}

	return rows, nil
}

// ParamRow is one line of the best hyperparameters table.
type ParamRow struct {
	Name  string  `csv:"name"`
	Value float64 `csv:"value"`
}

// WriteParams replaces path with rows.
func WriteParams(path string, rows []*ParamRow) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create parameter table")
	}
	defer f.Close()

	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return errors.Wrapf(err, "write parameter table %s", path)
	}

	return errors.Wrap(f.Close(), "close parameter table")
}

// ReadParams decodes a table written by WriteParams.
func ReadParams(path string) ([]*ParamRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open parameter table")
	}
	defer f.Close()

	var rows []*ParamRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, errors.Wrapf(err, "decode parameter table %s", path)
	}

	return rows, nil
}
