package journal

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/blob"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// RetentionConfig controls how long envelopes stay in the journal.
type RetentionConfig struct {
	Retention     time.Duration `json:"retention"`
	BatchSize     int           `json:"batch_size"`
	CheckInterval time.Duration `json:"check_interval"`
}

// RetentionWorker moves envelopes older than the retention out of the
// journal. With a blob store they are archived first, so the full history of
// the room can still be restored; without one they are dropped.
type RetentionWorker struct {
	journal *Journal
	blobs   blob.Store
	room    string
	config  RetentionConfig
	logger  zerolog.Logger
}

// NewRetentionWorker creates a worker for room. blobs may be nil.
func NewRetentionWorker(j *Journal, blobs blob.Store, room string, cfg RetentionConfig) *RetentionWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = MaxLimit
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	return &RetentionWorker{journal: j, blobs: blobs, room: room, config: cfg, logger: j.logger}
}

// Run applies the retention now and then every CheckInterval until ctx ends.
func (w *RetentionWorker) Run(ctx context.Context) {
	w.logger.Info().
		Dur("retention", w.config.Retention).
		Dur("interval", w.config.CheckInterval).
		Bool("archive", w.blobs != nil).
		Msg("retention_worker_started")

	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Str("room", w.room).Msg("retention_failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce applies the retention and returns how many envelopes left the
// journal.
func (w *RetentionWorker) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-w.config.Retention)

	if w.blobs == nil {
		n, err := w.journal.Prune(ctx, w.room, cutoff)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			w.logger.Info().Str("room", w.room).Int64("pruned", n).Msg("journal_pruned")
		}
		return n, nil
	}

	var total int64
	for {
		n, err := w.archiveBatch(ctx, cutoff)
		total += n
		if err != nil || n < int64(w.config.BatchSize) {
			return total, err
		}
	}
}

func (w *RetentionWorker) archiveBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	entries, err := w.journal.ReadBefore(ctx, w.room, cutoff, w.config.BatchSize)
	if err != nil || len(entries) == 0 {
		return 0, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, e := range entries {
		line, err := sonic.Marshal(e.Envelope)
		if err != nil {
			_ = gz.Close()
			return 0, fmt.Errorf("failed to encode envelope %s: %w", e.Envelope.EnvelopeID, err)
		}
		if _, err := gz.Write(append(line, '\n')); err != nil {
			_ = gz.Close()
			return 0, fmt.Errorf("failed to compress archive: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("failed to compress archive: %w", err)
	}

	first, last := entries[0], entries[len(entries)-1]
	key := archiveKey(w.room, first, last)
	if err := w.blobs.Put(ctx, key, &buf); err != nil {
		return 0, fmt.Errorf("failed to upload archive: %w", err)
	}

	n, err := w.journal.DeleteThrough(ctx, w.room, last.Seq)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived envelopes: %w", err)
	}
	JournalArchived.WithLabelValues(w.room).Add(float64(n))
	w.logger.Info().Str("room", w.room).Str("key", key).Int64("envelopes", n).Msg("journal_archived")
	return n, nil
}

// archiveKey sorts archives of a room in journal order:
// rooms/<room>/YYYY/MM/DD/<first seq>_<last seq>.jsonl.gz
func archiveKey(room string, first, last Entry) string {
	year, month, day := first.TsIngest.UTC().Date()
	return fmt.Sprintf("%s%04d/%02d/%02d/%012d_%012d.jsonl.gz",
		archivePrefix(room), year, month, day, first.Seq, last.Seq)
}

func archivePrefix(room string) string {
	return "rooms/" + room + "/"
}

// RestoreArchives restores every archived envelope of the store's room into it
// and returns how many envelopes were read. Call it before Replay.
func RestoreArchives(ctx context.Context, blobs blob.Store, s *store.Store) (int, error) {
	keys, err := blobs.List(ctx, archivePrefix(s.Room()))
	if err != nil {
		return 0, err
	}

	total := 0
	for _, key := range keys {
		n, err := restoreArchive(ctx, blobs, key, s)
		total += n
		if err != nil {
			return total, fmt.Errorf("archive %s: %w", key, err)
		}
	}
	return total, nil
}

func restoreArchive(ctx context.Context, blobs blob.Store, key string, s *store.Store) (int, error) {
	rc, err := blobs.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	n := 0
	r := bufio.NewReader(gz)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var env store.Envelope
			if err := sonic.Unmarshal(line, &env); err != nil {
				return n, fmt.Errorf("failed to decode envelope: %w", err)
			}
			s.Restore(env)
			n++
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to read archive: %w", err)
		}
	}
}
