package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/routeq/routeq/pkg/serialization"
	"github.com/routeq/routeq/pkg/types"
)

// Journal record operations.
const (
	opEnqueue byte = iota + 1
	opRemove
	opRequeue
)

const flagCompressed byte = 1 << 0

// Frame header: op(1) + flags(1) + size(4) + crc(4).
const frameHeaderSize = 10

// Options configures a queue journal.
type Options struct {
	// SyncInterval is how often dirty segments are fsynced. Zero disables
	// the background sync loop; every append then syncs inline.
	SyncInterval time.Duration

	// CompressThreshold is the minimum frame payload size, in bytes, before
	// zstd compression is applied. Zero means never compress.
	CompressThreshold int
}

// DefaultOptions returns journal settings suitable for durable queues.
func DefaultOptions() Options {
	return Options{
		SyncInterval:      100 * time.Millisecond,
		CompressThreshold: 256,
	}
}

// Journal is an append-only per-queue record log. Each mutation of the
// queue's ready set is recorded as a frame: enqueue carries the encoded
// envelope, remove and requeue carry the message ID. Replaying the frames
// in order reconstructs the ready set, so a durable queue survives a
// process restart. Replay compacts the log to just the live messages.
type Journal struct {
	path  string
	codec serialization.Codec
	opts  Options

	mu     sync.Mutex
	file   *os.File
	dirty  bool
	closed bool

	enc *zstd.Encoder
	dec *zstd.Decoder

	syncTicker *time.Ticker
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// Open opens (or creates) the journal for a queue under dir, replays it,
// and returns the surviving messages in ready order. The log is compacted
// as part of opening.
func Open(dir, queueName string, codec serialization.Codec, opts Options) (*Journal, []*types.Message, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, types.ErrStorage("create journal directory", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, types.ErrStorage("init zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, types.ErrStorage("init zstd decoder", err)
	}

	j := &Journal{
		path:   filepath.Join(dir, queueName+".journal"),
		codec:  codec,
		opts:   opts,
		enc:    enc,
		dec:    dec,
		stopCh: make(chan struct{}),
	}

	live, err := j.replay()
	if err != nil {
		return nil, nil, err
	}
	if err := j.compact(live); err != nil {
		return nil, nil, err
	}

	if opts.SyncInterval > 0 {
		j.syncTicker = time.NewTicker(opts.SyncInterval)
		j.wg.Add(1)
		go j.syncLoop()
	}
	return j, live, nil
}

// AppendEnqueue records a message entering the ready set.
func (j *Journal) AppendEnqueue(msg *types.Message) error {
	data, err := j.codec.Encode(msg)
	if err != nil {
		return err
	}
	return j.append(opEnqueue, data)
}

// AppendRemove records a terminal removal (ack, expiry, eviction, dead-letter).
func (j *Journal) AppendRemove(messageID string) error {
	return j.append(opRemove, []byte(messageID))
}

// AppendRequeue records a retry requeue: the message moves to the tail and
// its retry count increments.
func (j *Journal) AppendRequeue(messageID string) error {
	return j.append(opRequeue, []byte(messageID))
}

// Sync flushes buffered frames to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

// Close stops the sync loop, flushes, and closes the file. Safe to call
// twice.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopCh)
	if j.syncTicker != nil {
		j.syncTicker.Stop()
	}
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.syncLocked(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return types.ErrStorage("close journal", err)
	}
	return nil
}

func (j *Journal) append(op byte, payload []byte) error {
	var flags byte
	if j.opts.CompressThreshold > 0 && len(payload) >= j.opts.CompressThreshold {
		payload = j.enc.EncodeAll(payload, nil)
		flags |= flagCompressed
	}

	header := make([]byte, frameHeaderSize)
	header[0] = op
	header[1] = flags
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return types.NewError(types.ErrCodeStorageError, "journal is closed")
	}
	if _, err := j.file.Write(header); err != nil {
		return types.ErrStorage("write frame header", err)
	}
	if _, err := j.file.Write(payload); err != nil {
		return types.ErrStorage("write frame payload", err)
	}
	j.dirty = true
	if j.opts.SyncInterval <= 0 {
		return j.syncLocked()
	}
	return nil
}

func (j *Journal) syncLocked() error {
	if !j.dirty || j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return types.ErrStorage("sync journal", err)
	}
	j.dirty = false
	return nil
}

func (j *Journal) syncLoop() {
	defer j.wg.Done()
	for {
		select {
		case <-j.syncTicker.C:
			j.mu.Lock()
			_ = j.syncLocked()
			j.mu.Unlock()
		case <-j.stopCh:
			return
		}
	}
}

// replay reads every frame and reconstructs the ready set in order. A
// truncated trailing frame (torn write on crash) ends replay without error;
// a checksum mismatch mid-file is corruption and fails the open.
func (j *Journal) replay() ([]*types.Message, error) {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.ErrStorage("open journal", err)
	}
	defer file.Close()

	var order []string
	byID := make(map[string]*types.Message)

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, types.ErrStorage("read frame header", err)
		}
		op := header[0]
		flags := header[1]
		size := binary.LittleEndian.Uint32(header[2:6])
		checksum := binary.LittleEndian.Uint32(header[6:10])

		payload := make([]byte, size)
		if _, err := io.ReadFull(file, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, types.ErrStorage("read frame payload", err)
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			return nil, types.NewError(types.ErrCodeStorageError, "journal checksum mismatch").
				WithDetail("path", j.path)
		}
		if flags&flagCompressed != 0 {
			payload, err = j.dec.DecodeAll(payload, nil)
			if err != nil {
				return nil, types.ErrStorage("decompress frame", err)
			}
		}

		switch op {
		case opEnqueue:
			msg, err := j.codec.Decode(payload)
			if err != nil {
				return nil, err
			}
			if _, dup := byID[msg.ID]; !dup {
				order = append(order, msg.ID)
			}
			byID[msg.ID] = msg
		case opRemove:
			delete(byID, string(payload))
		case opRequeue:
			id := string(payload)
			if msg, ok := byID[id]; ok {
				msg.RetryCount++
				for i, existing := range order {
					if existing == id {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
				order = append(order, id)
			}
		default:
			return nil, types.NewError(types.ErrCodeStorageError, "unknown journal op").
				WithDetail("op", fmt.Sprintf("%d", op))
		}
	}

	live := make([]*types.Message, 0, len(byID))
	for _, id := range order {
		if msg, ok := byID[id]; ok {
			live = append(live, msg)
		}
	}
	return live, nil
}

// compact rewrites the log as a plain sequence of enqueue frames for the
// live messages, then reopens it for appending.
func (j *Journal) compact(live []*types.Message) error {
	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return types.ErrStorage("create compacted journal", err)
	}

	j.file = tmp
	for _, msg := range live {
		if err := j.AppendEnqueue(msg); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.ErrStorage("sync compacted journal", err)
	}
	if err := tmp.Close(); err != nil {
		return types.ErrStorage("close compacted journal", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return types.ErrStorage("swap compacted journal", err)
	}

	file, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.ErrStorage("reopen journal", err)
	}
	j.file = file
	j.dirty = false
	return nil
}
