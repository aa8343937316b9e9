package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/kvdb/engine/internal/errors"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// AuditRecord is one append-only entry describing a mutating or admin
// operation. Hash chains the record to its predecessor so any deletion or
// reordering of stored records is detectable.
type AuditRecord struct {
	Seq       uint64
	Operation string
	Table     string
	PK        string
	Actor     string
	Signature [sha256.Size]byte
	PrevHash  [sha256.Size]byte
}

// AuditLog appends signed, hash-chained audit records and verifies the
// chain's integrity.
type AuditLog struct {
	signingKey []byte
}

// NewAuditLog builds an audit log that signs every record with HMAC-SHA256
// under signingKey.
func NewAuditLog(signingKey []byte) *AuditLog {
	return &AuditLog{signingKey: signingKey}
}

func (a *AuditLog) sign(seq uint64, operation, table, pk, actor string, prevHash [sha256.Size]byte) [sha256.Size]byte {
	mac := hmac.New(sha256.New, a.signingKey)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	mac.Write(seqBuf[:])
	mac.Write([]byte(operation))
	mac.Write([]byte(table))
	mac.Write([]byte(pk))
	mac.Write([]byte(actor))
	mac.Write(prevHash[:])
	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Append records one operation, chaining it to the previous record's
// signature, inside the given transaction so it commits atomically with
// whatever mutation it describes.
func (a *AuditLog) Append(ctx context.Context, txn *mvcc.Txn, operation, table, pk, actor string) error {
	seq, prevHash, err := a.head(txn)
	if err != nil {
		return err
	}
	seq++
	sig := a.sign(seq, operation, table, pk, actor, prevHash)
	rec := AuditRecord{Seq: seq, Operation: operation, Table: table, PK: pk, Actor: actor, Signature: sig, PrevHash: prevHash}

	if err := txn.Put(ctx, keys.AuditRecord(seq), encodeAuditRecord(rec)); err != nil {
		return err
	}
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)
	return txn.Put(ctx, keys.AuditSeqCounter(), seqBuf)
}

func (a *AuditLog) head(txn *mvcc.Txn) (uint64, [sha256.Size]byte, error) {
	raw, err := txn.Get(keys.AuditSeqCounter())
	if errors.GetKind(err) == errors.NotFound {
		return 0, [sha256.Size]byte{}, nil
	}
	if err != nil {
		return 0, [sha256.Size]byte{}, err
	}
	if raw == nil {
		return 0, [sha256.Size]byte{}, nil
	}
	seq := binary.BigEndian.Uint64(raw)
	last, err := txn.Get(keys.AuditRecord(seq))
	if errors.GetKind(err) == errors.NotFound {
		return seq, [sha256.Size]byte{}, nil
	}
	if err != nil {
		return 0, [sha256.Size]byte{}, err
	}
	if last == nil {
		return seq, [sha256.Size]byte{}, nil
	}
	rec, err := decodeAuditRecord(seq, last)
	if err != nil {
		return 0, [sha256.Size]byte{}, err
	}
	return seq, rec.Signature, nil
}

// Verify replays the stored chain and confirms every record's signature
// matches what Append would have computed, returning the first seq at
// which it does not (0 if the entire chain verifies).
func (a *AuditLog) Verify(mgr *mvcc.Manager) (uint64, error) {
	txn, err := mgr.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = txn.Rollback() }()

	var prevHash [sha256.Size]byte
	var badSeq uint64
	err = txn.ScanPrefix(keys.AuditPrefix(), func(key, value []byte) bool {
		seq := binary.BigEndian.Uint64(key[len(keys.AuditPrefix()):])
		rec, decErr := decodeAuditRecord(seq, value)
		if decErr != nil {
			badSeq = seq
			return false
		}
		if rec.PrevHash != prevHash {
			badSeq = seq
			return false
		}
		want := a.sign(seq, rec.Operation, rec.Table, rec.PK, rec.Actor, prevHash)
		if want != rec.Signature {
			badSeq = seq
			return false
		}
		prevHash = rec.Signature
		return true
	})
	if err != nil {
		return 0, err
	}
	return badSeq, nil
}

func encodeAuditRecord(r AuditRecord) []byte {
	buf := make([]byte, 0, 8+len(r.Operation)+len(r.Table)+len(r.PK)+len(r.Actor)+64+16)
	buf = binary.BigEndian.AppendUint64(buf, r.Seq)
	buf = appendField(buf, r.Operation)
	buf = appendField(buf, r.Table)
	buf = appendField(buf, r.PK)
	buf = appendField(buf, r.Actor)
	buf = append(buf, r.Signature[:]...)
	buf = append(buf, r.PrevHash[:]...)
	return buf
}

func decodeAuditRecord(seq uint64, data []byte) (AuditRecord, error) {
	rec := AuditRecord{Seq: seq}
	pos := 8 // stored seq, redundant with the key, skipped
	var ok bool
	rec.Operation, pos, ok = readField(data, pos)
	if !ok {
		return AuditRecord{}, errors.New(errors.Corrupt, "crypto.decodeAuditRecord", "truncated record")
	}
	rec.Table, pos, ok = readField(data, pos)
	if !ok {
		return AuditRecord{}, errors.New(errors.Corrupt, "crypto.decodeAuditRecord", "truncated record")
	}
	rec.PK, pos, ok = readField(data, pos)
	if !ok {
		return AuditRecord{}, errors.New(errors.Corrupt, "crypto.decodeAuditRecord", "truncated record")
	}
	rec.Actor, pos, ok = readField(data, pos)
	if !ok {
		return AuditRecord{}, errors.New(errors.Corrupt, "crypto.decodeAuditRecord", "truncated record")
	}
	if pos+64 > len(data) {
		return AuditRecord{}, errors.New(errors.Corrupt, "crypto.decodeAuditRecord", "truncated record")
	}
	copy(rec.Signature[:], data[pos:pos+32])
	copy(rec.PrevHash[:], data[pos+32:pos+64])
	return rec, nil
}

func appendField(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readField(data []byte, pos int) (string, int, bool) {
	if pos+4 > len(data) {
		return "", 0, false
	}
	n := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if pos+n > len(data) {
		return "", 0, false
	}
	return string(data[pos : pos+n]), pos + n, true
}
