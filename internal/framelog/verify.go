package framelog

import (
	"errors"
	"fmt"
	"io"

	"github.com/ashita-ai/kansoku/internal/integrity"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Report is the outcome of comparing two logs.
type Report struct {
	ExpectedFrames  int                `json:"expected_frames"`
	ActualFrames    int                `json:"actual_frames"`
	ExpectedRoot    string             `json:"expected_root"`
	ActualRoot      string             `json:"actual_root"`
	Match           bool               `json:"match"`
	FirstDivergence *model.FrameNumber `json:"first_divergence,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	BadHashes       int                `json:"bad_hashes"` // Records whose stored hash does not match their content.
}

type logDigest struct {
	first  model.FrameNumber
	hashes []string
	bad    int
}

func digest(r io.Reader, which string) (*logDigest, error) {
	d := &logDigest{}
	rd := NewReader(r)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return d, nil
		}
		if err != nil {
			return nil, fmt.Errorf("framelog: verify %s: %w", which, err)
		}
		if len(d.hashes) == 0 {
			d.first = rec.FrameNumber
		} else if want := d.first + model.FrameNumber(len(d.hashes)); rec.FrameNumber != want {
			return nil, fmt.Errorf("framelog: verify %s: frame %d where %d expected: %w",
				which, rec.FrameNumber, want, ErrCorrupt)
		}
		if rec.Hash != "" && !integrity.VerifyRecordHash(rec) {
			d.bad++
		}
		d.hashes = append(d.hashes, integrity.RecordHash(rec))
	}
}

// Verify compares an expected log against an actual one. Both must be
// gapless and strictly increasing; otherwise an error wrapping ErrCorrupt is
// returned. Records are compared by content hash, frame by frame, and the
// Merkle roots over all content hashes are reported.
func Verify(expected, actual io.Reader) (Report, error) {
	exp, err := digest(expected, "expected")
	if err != nil {
		return Report{}, err
	}
	act, err := digest(actual, "actual")
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		ExpectedFrames: len(exp.hashes),
		ActualFrames:   len(act.hashes),
		ExpectedRoot:   integrity.BuildMerkleRoot(exp.hashes),
		ActualRoot:     integrity.BuildMerkleRoot(act.hashes),
		BadHashes:      exp.bad + act.bad,
	}

	diverge := func(n model.FrameNumber, reason string) (Report, error) {
		rep.FirstDivergence = &n
		rep.Reason = reason
		return rep, nil
	}

	if len(exp.hashes) > 0 && len(act.hashes) > 0 && exp.first != act.first {
		return diverge(min(exp.first, act.first), fmt.Sprintf("logs start at different frames (%d vs %d)", exp.first, act.first))
	}
	for i := range min(len(exp.hashes), len(act.hashes)) {
		if exp.hashes[i] != act.hashes[i] {
			return diverge(exp.first+model.FrameNumber(i), "record content differs")
		}
	}
	switch {
	case len(exp.hashes) > len(act.hashes):
		return diverge(exp.first+model.FrameNumber(len(act.hashes)), "actual log is missing frames")
	case len(act.hashes) > len(exp.hashes):
		return diverge(act.first+model.FrameNumber(len(exp.hashes)), "actual log has extra frames")
	}

	rep.Match = rep.BadHashes == 0
	if rep.BadHashes > 0 {
		rep.Reason = "stored hashes do not match record content"
	}
	return rep, nil
}
