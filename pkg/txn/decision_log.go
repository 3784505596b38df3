package txn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// RecordKind marks what a decision-log record means.
type RecordKind uint8

const (
	// RecordCommit is the durable 2PC decision: written after a
	// unanimous Prepared vote, before the first commit is sent. It is
	// the single source of truth for the outcome.
	RecordCommit RecordKind = 1
	// RecordDone means commit delivery finished for every participant,
	// so recovery can skip the transaction.
	RecordDone RecordKind = 2
)

// Record - одна запись decision-лога.
type Record struct {
	Kind         RecordKind
	Txn          types.TxnID
	Participants []types.ShardID
}

// DecisionLog is the append-only durable write-ahead record of 2PC
// outcomes. Appends are synchronous: the call returns only after the
// bytes are flushed and fsynced, так как без этого коммит нельзя
// рассылать участникам.
type DecisionLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

func OpenDecisionLog(dir string) (*DecisionLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty decision log dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create decision log directory: %w", err)
	}

	path := filepath.Join(dir, "decisions.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}

	return &DecisionLog{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
	}, nil
}

// Append durably writes one record. Any failure is wrapped in
// dberrors.ErrDecisionLog: the caller must halt phase transitions for
// the transaction until the log is writable again.
func (l *DecisionLog) Append(rec Record) error {
	payload := encodeRecord(rec)

	l.mu.Lock()
	defer l.mu.Unlock()

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: write header: %v", dberrors.ErrDecisionLog, err)
	}
	if _, err := l.writer.Write(payload); err != nil {
		return fmt.Errorf("%w: write payload: %v", dberrors.ErrDecisionLog, err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", dberrors.ErrDecisionLog, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", dberrors.ErrDecisionLog, err)
	}
	return nil
}

// Replay reads the log from the start and hands every intact record to
// callback. Оборванный хвост (упали посреди записи) не ошибка: replay
// просто останавливается на нём.
func (l *DecisionLog) Replay(callback func(Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush before replay: %w", err)
	}

	file, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open decision log for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("close decision log after replay", "err", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			slog.Warn("decision log: torn header, stopping replay")
			return nil
		}
		size := binary.BigEndian.Uint32(hdr[0:4])
		sum := binary.BigEndian.Uint32(hdr[4:8])

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			slog.Warn("decision log: torn record, stopping replay")
			return nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			slog.Warn("decision log: checksum mismatch, stopping replay")
			return nil
		}

		rec, err := decodeRecord(payload)
		if err != nil {
			return fmt.Errorf("decode decision record: %w", err)
		}
		if err := callback(rec); err != nil {
			return err
		}
	}
}

func (l *DecisionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

func encodeRecord(rec Record) []byte {
	size := 1 + 2 + len(rec.Txn) + 2
	for _, p := range rec.Participants {
		size += 2 + len(p)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(rec.Kind))
	buf = appendString(buf, string(rec.Txn))
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(rec.Participants)))
	buf = append(buf, cnt[:]...)
	for _, p := range rec.Participants {
		buf = appendString(buf, string(p))
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	var ln [2]byte
	binary.BigEndian.PutUint16(ln[:], uint16(len(s)))
	buf = append(buf, ln[:]...)
	return append(buf, s...)
}

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	if len(payload) < 1 {
		return rec, fmt.Errorf("empty payload")
	}
	rec.Kind = RecordKind(payload[0])
	rest := payload[1:]

	txn, rest, err := readString(rest)
	if err != nil {
		return rec, err
	}
	rec.Txn = types.TxnID(txn)

	if len(rest) < 2 {
		return rec, fmt.Errorf("truncated participant count")
	}
	count := binary.BigEndian.Uint16(rest[:2])
	rest = rest[2:]

	rec.Participants = make([]types.ShardID, 0, count)
	for i := 0; i < int(count); i++ {
		var s string
		s, rest, err = readString(rest)
		if err != nil {
			return rec, err
		}
		rec.Participants = append(rec.Participants, types.ShardID(s))
	}
	return rec, nil
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("truncated string length")
	}
	ln := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < ln {
		return "", nil, fmt.Errorf("truncated string body")
	}
	return string(buf[:ln]), buf[ln:], nil
}
