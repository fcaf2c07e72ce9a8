package spill

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gatewaylabs/telembuf/internal/record"
	"go.uber.org/zap"
)

// FrameSize is the fixed on-disk size of one spilled record:
//
//	[1 byte kind][8 bytes value][8 bytes timestamp unix-nanos][4 bytes CRC32]
//
// Spilled records always carry an explicit timestamp, regardless of
// their RAM shape; the kind byte preserves the original shape so the
// consumer sees the record exactly as it would have from the pool.
const FrameSize = 21

const frameBodySize = FrameSize - 4

// ErrCorruptFrame reports a CRC mismatch in a segment file.
var ErrCorruptFrame = errors.New("corrupt spill frame")

type counters struct {
	count     uint64
	committed uint64
}

// FileStore implements Store with one append-only segment file per
// (sensor, consumer) under dataDir/<sensor>/<consumer>.seg. Frame
// counts and commit indices are durably mirrored in the bbolt meta
// store; after a crash the files themselves rebuild the counts.
type FileStore struct {
	mu       sync.Mutex
	dataDir  string
	meta     *Meta
	archiver *Archiver // nil disables archiving
	logger   *zap.Logger
	state    map[string]*counters
	appendFD map[string]*os.File
}

// NewFileStore opens the file-backed spill tier. If the meta store
// reports an unclean shutdown, counters are rebuilt from the segment
// files before any read is served.
func NewFileStore(dataDir string, meta *Meta, archiver *Archiver, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating spill dir %s: %w", dataDir, err)
	}

	s := &FileStore{
		dataDir:  dataDir,
		meta:     meta,
		archiver: archiver,
		logger:   logger,
		state:    make(map[string]*counters),
		appendFD: make(map[string]*os.File),
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Enabled() bool { return true }

func stateKey(sensorID, consumer string) string {
	return sensorID + "\x00" + consumer
}

func (s *FileStore) segmentPath(sensorID, consumer string) string {
	return filepath.Join(s.dataDir, sensorID, consumer+".seg")
}

func (s *FileStore) loadState() error {
	err := s.meta.ForEach(func(sensorID, consumer string, count, committed uint64) error {
		s.state[stateKey(sensorID, consumer)] = &counters{count: count, committed: committed}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading spill counters: %w", err)
	}

	if !s.meta.WasDirty() {
		return nil
	}

	// Power loss: the meta counters may trail the segment files. The
	// files are self-delimiting fixed frames, so their sizes are the
	// authoritative frame counts.
	s.logger.Warn("unclean shutdown detected, rebuilding spill counters from segment files")
	sensors, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("scanning spill dir: %w", err)
	}
	for _, sd := range sensors {
		if !sd.IsDir() {
			continue
		}
		segs, err := os.ReadDir(filepath.Join(s.dataDir, sd.Name()))
		if err != nil {
			return err
		}
		for _, seg := range segs {
			if filepath.Ext(seg.Name()) != ".seg" {
				continue
			}
			info, err := seg.Info()
			if err != nil {
				return err
			}
			sensorID := sd.Name()
			consumer := seg.Name()[:len(seg.Name())-len(".seg")]
			key := stateKey(sensorID, consumer)

			count := uint64(info.Size()) / FrameSize
			if uint64(info.Size())%FrameSize != 0 {
				// Torn final frame from the power cut; it never
				// completed, so it is dropped on the floor here and
				// truncated away before the next append.
				s.logger.Warn("truncating torn spill frame",
					zap.String("sensor", sensorID),
					zap.String("consumer", consumer),
					zap.Int64("size", info.Size()),
				)
				path := s.segmentPath(sensorID, consumer)
				if err := os.Truncate(path, int64(count)*FrameSize); err != nil {
					return fmt.Errorf("truncating %s: %w", path, err)
				}
			}

			c, ok := s.state[key]
			if !ok {
				c = &counters{}
				s.state[key] = c
			}
			c.count = count
			if c.committed > c.count {
				c.committed = c.count
			}
			if err := s.meta.SetCounters(sensorID, consumer, c.count, c.committed); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FileStore) Append(sensorID, consumer string, rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey(sensorID, consumer)
	c, ok := s.state[key]
	if !ok {
		c = &counters{}
		s.state[key] = c
	}

	f, err := s.appendHandle(sensorID, consumer)
	if err != nil {
		return err
	}

	frame := encodeFrame(rec)
	if _, err := f.Write(frame[:]); err != nil {
		return fmt.Errorf("appending spill frame: %w", err)
	}
	// Sync per frame: spilled data is exactly the data that must
	// survive power loss.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing spill segment: %w", err)
	}

	c.count++
	if err := s.meta.SetCounters(sensorID, consumer, c.count, c.committed); err != nil {
		return fmt.Errorf("recording spill counters: %w", err)
	}
	return nil
}

func (s *FileStore) Read(sensorID, consumer string, from uint64, max int) ([]record.Record, error) {
	s.mu.Lock()
	c, ok := s.state[stateKey(sensorID, consumer)]
	var count uint64
	if ok {
		count = c.count
	}
	s.mu.Unlock()

	if !ok || from >= count || max <= 0 {
		return nil, nil
	}

	f, err := os.Open(s.segmentPath(sensorID, consumer))
	if err != nil {
		return nil, fmt.Errorf("opening spill segment: %w", err)
	}
	defer f.Close()

	n := count - from
	if uint64(max) < n {
		n = uint64(max)
	}

	buf := make([]byte, n*FrameSize)
	read, err := f.ReadAt(buf, int64(from)*FrameSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading spill segment: %w", err)
	}
	buf = buf[:read/FrameSize*FrameSize]

	var recs []record.Record
	for off := 0; off+FrameSize <= len(buf); off += FrameSize {
		rec, err := decodeFrame(buf[off : off+FrameSize])
		if err != nil {
			// Report what was read cleanly; the caller decides.
			s.logger.Warn("corrupt spill frame",
				zap.String("sensor", sensorID),
				zap.String("consumer", consumer),
				zap.Uint64("frame", from+uint64(off/FrameSize)),
			)
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *FileStore) Count(sensorID, consumer string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.state[stateKey(sensorID, consumer)]; ok {
		return c.count, nil
	}
	return 0, nil
}

func (s *FileStore) Committed(sensorID, consumer string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.state[stateKey(sensorID, consumer)]; ok {
		return c.committed, nil
	}
	return 0, nil
}

func (s *FileStore) Commit(ctx context.Context, sensorID, consumer string, upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.state[stateKey(sensorID, consumer)]
	if !ok {
		return nil
	}
	if upTo > c.count {
		upTo = c.count
	}
	if upTo > c.committed {
		c.committed = upTo
	}

	if c.committed == c.count && c.count > 0 {
		return s.finalizeSegment(ctx, sensorID, consumer, c)
	}
	return s.meta.SetCounters(sensorID, consumer, c.count, c.committed)
}

// finalizeSegment archives (if configured) and deletes a fully
// committed segment, resetting the pair to index zero. Called with
// the store lock held.
func (s *FileStore) finalizeSegment(ctx context.Context, sensorID, consumer string, c *counters) error {
	key := stateKey(sensorID, consumer)
	if f, ok := s.appendFD[key]; ok {
		f.Close()
		delete(s.appendFD, key)
	}

	path := s.segmentPath(sensorID, consumer)
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, sensorID, consumer, path); err != nil {
			// Keep the segment; the lifecycle sweep retries later.
			s.logger.Warn("segment archive failed, keeping local copy",
				zap.Error(err),
				zap.String("sensor", sensorID),
				zap.String("consumer", consumer),
			)
			return s.meta.SetCounters(sensorID, consumer, c.count, c.committed)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing spill segment: %w", err)
	}
	c.count = 0
	c.committed = 0
	delete(s.state, key)
	if err := s.meta.DeleteCounters(sensorID, consumer); err != nil {
		return err
	}

	s.logger.Info("spill segment retired",
		zap.String("sensor", sensorID),
		zap.String("consumer", consumer),
	)
	return nil
}

// Sweep retries finalization of fully committed segments whose
// archive upload previously failed. Run from the lifecycle loop.
func (s *FileStore) Sweep(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, c := range s.state {
		if c.count == 0 || c.committed != c.count {
			continue
		}
		sensorID, consumer, ok := splitStateKey(key)
		if !ok {
			continue
		}
		if err := s.finalizeSegment(ctx, sensorID, consumer, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, f := range s.appendFD {
		f.Close()
		delete(s.appendFD, key)
	}
	return nil
}

func (s *FileStore) appendHandle(sensorID, consumer string) (*os.File, error) {
	key := stateKey(sensorID, consumer)
	if f, ok := s.appendFD[key]; ok {
		return f, nil
	}
	path := s.segmentPath(sensorID, consumer)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening spill segment: %w", err)
	}
	s.appendFD[key] = f
	return f, nil
}

func splitStateKey(key string) (sensorID, consumer string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func encodeFrame(rec record.Record) [FrameSize]byte {
	var frame [FrameSize]byte
	frame[0] = byte(rec.Kind)
	binary.BigEndian.PutUint64(frame[1:9], math.Float64bits(rec.Value))
	binary.BigEndian.PutUint64(frame[9:17], uint64(rec.Timestamp.UnixNano()))
	crc := crc32.ChecksumIEEE(frame[:frameBodySize])
	binary.BigEndian.PutUint32(frame[frameBodySize:], crc)
	return frame
}

func decodeFrame(b []byte) (record.Record, error) {
	want := binary.BigEndian.Uint32(b[frameBodySize:FrameSize])
	if got := crc32.ChecksumIEEE(b[:frameBodySize]); got != want {
		return record.Record{}, fmt.Errorf("crc mismatch 0x%08X != 0x%08X: %w", got, want, ErrCorruptFrame)
	}
	kind := record.Kind(b[0])
	if !kind.Valid() {
		return record.Record{}, fmt.Errorf("frame kind %d: %w", kind, ErrCorruptFrame)
	}
	return record.Record{
		Kind:      kind,
		Value:     math.Float64frombits(binary.BigEndian.Uint64(b[1:9])),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(b[9:17]))),
	}, nil
}
