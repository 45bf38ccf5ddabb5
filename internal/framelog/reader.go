package framelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ashita-ai/kansoku/internal/model"
)

// maxLine bounds a single record line.
const maxLine = 16 << 20

// ErrCorrupt is returned when a log cannot be parsed or breaks frame ordering.
var ErrCorrupt = errors.New("framelog: corrupt log")

// Reader streams records from a log.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Reader{sc: sc}
}

// Next returns the next record, or io.EOF when the log is exhausted. Blank
// lines are skipped.
func (r *Reader) Next() (*model.Record, error) {
	for r.sc.Scan() {
		r.line++
		b := r.sc.Bytes()
		if len(b) == 0 {
			continue
		}
		rec, err := model.UnmarshalRecord(b)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %w", r.line, ErrCorrupt, err)
		}
		return &rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", r.line+1, err)
	}
	return nil, io.EOF
}

// ReadAll reads every record in the log at path.
func ReadAll(path string) ([]*model.Record, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the caller
	if err != nil {
		return nil, fmt.Errorf("framelog: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file; close error is non-actionable

	var recs []*model.Record
	r := NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return recs, fmt.Errorf("framelog: read %s: %w", path, err)
		}
		recs = append(recs, rec)
	}
}
