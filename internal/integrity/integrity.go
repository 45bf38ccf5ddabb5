// Package integrity provides tamper-evident record hashes and Merkle roots
// over frame logs. Two runs over the same input produce the same hashes, so
// logs can be compared by root alone.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// hashV1Prefix versions the record hash encoding so it can evolve without
// invalidating existing logs.
const hashV1Prefix = "v1:"

// RecordHash produces a versioned SHA-256 hex digest over the canonical
// record fields. The Hash field itself is excluded. Payload entries are hashed
// in sorted key order.
func RecordHash(r *model.Record) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // record fields are far below 4 GiB
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(strconv.FormatInt(int64(r.FrameNumber), 10)))
	writeField([]byte(strconv.FormatInt(int64(r.Timestamps.Start), 10)))
	writeField([]byte(strconv.FormatInt(int64(r.Timestamps.EstimatedEnd), 10)))
	writeField([]byte(strconv.FormatBool(r.IsBasis)))
	for _, k := range r.Keys() {
		writeField([]byte(k))
		writeField(r.Payload[k])
	}
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyRecordHash checks whether the record's stored hash matches its content.
func VerifyRecordHash(r *model.Record) bool {
	if !strings.HasPrefix(r.Hash, hashV1Prefix) {
		return false
	}
	return r.Hash == RecordHash(r)
}
