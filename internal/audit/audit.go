// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit is the Audit Writer: a bounded in-memory buffer that
// batches completed-request entries, seals each batch with a tamper-evident
// SHA-256 hash chain link, and periodically archives old history out of the
// primary database.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmlb/llmlb/internal/storage"
)

// genesisHash is the previous_hash recorded for the very first batch: 64
// hex zeros, the same width as every other link's SHA-256 digest.
var genesisHash = strings.Repeat("0", sha256.Size*2)

// defaultBufferCap is B, the bounded in-memory queue depth; once full,
// incoming entries are dropped and counted rather than blocking callers.
const defaultBufferCap = 10_000

// defaultFlushInterval is F, how often a partial batch is sealed anyway.
const defaultFlushInterval = 30 * time.Second

// defaultArchiveInterval is how often OlderThan entries are swept to cold
// storage.
const defaultArchiveInterval = 24 * time.Hour

// Writer buffers audit entries in memory and seals them into the primary
// store in flush-sized batches, chaining each batch's hash to the previous
// one so later tampering with any row is detectable.
type Writer struct {
	log     storage.AuditLog
	archive *storage.ArchiveLog
	retain  time.Duration

	mu      sync.Mutex
	pending []*storage.AuditLogEntry
	dropped atomic.Uint64

	flushInterval time.Duration
}

// New builds a Writer. retain is how long an entry stays in the primary
// database before the archival sweep moves it into archive; archive may be
// nil, in which case old entries are deleted outright instead of moved.
func New(log storage.AuditLog, archive *storage.ArchiveLog, retain time.Duration) *Writer {
	return &Writer{
		log:           log,
		archive:       archive,
		retain:        retain,
		flushInterval: defaultFlushInterval,
		pending:       make([]*storage.AuditLogEntry, 0, defaultBufferCap),
	}
}

// Submit enqueues an entry without blocking. Once the buffer is at
// capacity, further entries are dropped and counted in Dropped() rather
// than applying backpressure to request handling — audit completeness
// never throttles the data plane.
func (w *Writer) Submit(entry *storage.AuditLogEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) >= defaultBufferCap {
		w.dropped.Add(1)
		return
	}
	w.pending = append(w.pending, entry)
}

// Dropped reports how many entries have been discarded for buffer overflow
// since process start.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Run flushes on a fixed interval and archives daily until ctx is canceled.
func (w *Writer) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(w.flushInterval)
	defer flushTicker.Stop()
	archiveTicker := time.NewTicker(defaultArchiveInterval)
	defer archiveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush(context.Background())
			return ctx.Err()
		case <-flushTicker.C:
			if err := w.Flush(ctx); err != nil {
				slog.Error("audit flush failed", "error", err)
			}
		case <-archiveTicker.C:
			if err := w.archiveOld(ctx); err != nil {
				slog.Error("audit archive sweep failed", "error", err)
			}
		}
	}
}

// Flush drains the pending buffer into one sealed batch. A no-op when the
// buffer is empty, so callers (including the shutdown path) can call it
// unconditionally.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = make([]*storage.AuditLogEntry, 0, defaultBufferCap)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := batch[0].Timestamp
	end := batch[len(batch)-1].Timestamp
	for _, e := range batch {
		if e.Timestamp.Before(start) {
			start = e.Timestamp
		}
		if e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}

	ids, err := w.log.InsertBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("inserting audit batch: %w", err)
	}

	prev, err := w.log.LastBatchHash(ctx)
	var prevHash string
	var seq int64 = 1
	switch {
	case err == nil:
		prevHash = prev.Hash
		seq = prev.SequenceNumber + 1
	case err == storage.ErrNotFound:
		prevHash = genesisHash
	default:
		return fmt.Errorf("reading last batch hash: %w", err)
	}

	// SealBatch stamps seq onto these rows, so the hash covers the BatchID
	// they will carry when VerifyChain reads them back.
	for _, e := range batch {
		e.BatchID = &seq
	}

	hash := chainHash(prevHash, seq, start, end, int64(len(batch)), batch)
	if err := w.log.InsertBatchHash(ctx, &storage.AuditBatchHash{
		SequenceNumber: seq,
		BatchStart:     start,
		BatchEnd:       end,
		RecordCount:    int64(len(batch)),
		Hash:           hash,
		PreviousHash:   prevHash,
	}); err != nil {
		return fmt.Errorf("inserting batch hash: %w", err)
	}

	return w.log.SealBatch(ctx, ids, seq)
}

// chainHash computes hash_n = SHA256(previous_hash || seq || start || end
// || count || records_hash), where records_hash is itself the SHA256 of the
// batch's entries concatenated in insertion order. This binds both the
// chain position and every persisted column of the batch's contents into
// one link, so mutating any field of any sealed entry breaks the chain.
func chainHash(previousHash string, seq int64, start, end time.Time, count int64, entries []*storage.AuditLogEntry) string {
	var recordsBuf strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&recordsBuf, "%d|%s|%s|%d|%d|%s|%s|%s|%s|%s|%s|%s|",
			e.Timestamp.Unix(), e.HTTPMethod, e.RequestPath, e.StatusCode, e.DurationMs,
			e.ActorType, e.ActorID, e.ActorUsername, e.ClientIP, e.ModelName, e.EndpointID, e.Detail)
		fmt.Fprintf(&recordsBuf, "%d|%d|%d|%d|", derefInt64(e.InputTokens), derefInt64(e.OutputTokens), derefInt64(e.TotalTokens), derefInt64(e.BatchID))
	}
	recordsSum := sha256.Sum256([]byte(recordsBuf.String()))

	h := sha256.New()
	h.Write([]byte(previousHash))
	fmt.Fprintf(h, "%d|%d|%d|%d|", seq, start.Unix(), end.Unix(), count)
	h.Write(recordsSum[:])
	return hex.EncodeToString(h.Sum(nil))
}

// derefInt64 folds a nullable counter into the hash input, using -1 as the
// unset sentinel so "0 tokens recorded" and "no token count recorded" hash
// differently.
func derefInt64(p *int64) int64 {
	if p == nil {
		return -1
	}
	return *p
}

// VerifyChain walks the full batch hash list and reports the sequence
// number of the first broken link, or 0 if the chain is intact. A genuinely
// empty chain (no batches sealed yet) is considered intact.
func VerifyChain(ctx context.Context, log storage.AuditLog) (int64, error) {
	hashes, err := log.ListBatchHashes(ctx)
	if err != nil {
		return 0, err
	}
	expectedPrev := genesisHash
	for _, h := range hashes {
		if h.PreviousHash != expectedPrev {
			return h.SequenceNumber, nil
		}
		entries, err := log.EntriesForBatch(ctx, h.SequenceNumber)
		if err != nil {
			return 0, err
		}
		recomputed := chainHash(h.PreviousHash, h.SequenceNumber, h.BatchStart, h.BatchEnd, h.RecordCount, entries)
		if recomputed != h.Hash {
			return h.SequenceNumber, nil
		}
		expectedPrev = h.Hash
	}
	return 0, nil
}

// VerifyAndRecover runs VerifyChain at startup. If a break is found, it does
// not try to repair the broken link — the point is for the break to stay
// permanently visible — and instead starts a fresh chain: a marker row
// whose hash and previous_hash are both the ones-complement of the last
// known-good hash before the break, so an auditor can see exactly where
// trust was re-established from. Returns the broken sequence number (0 if
// the chain was intact, in which case it does nothing).
func VerifyAndRecover(ctx context.Context, log storage.AuditLog) (int64, error) {
	breakSeq, err := VerifyChain(ctx, log)
	if err != nil || breakSeq == 0 {
		return breakSeq, err
	}

	hashes, err := log.ListBatchHashes(ctx)
	if err != nil {
		return breakSeq, fmt.Errorf("re-listing batch hashes after detected break: %w", err)
	}
	lastGood := genesisHash
	var nextSeq int64 = 1
	for _, h := range hashes {
		if h.SequenceNumber < breakSeq {
			lastGood = h.Hash
		}
		if h.SequenceNumber >= nextSeq {
			nextSeq = h.SequenceNumber + 1
		}
	}

	marker := onesComplement(lastGood)
	slog.Warn("audit hash chain break detected; starting recovery chain", "broken_sequence", breakSeq, "recovery_marker", marker)

	now := time.Now()
	return breakSeq, log.InsertBatchHash(ctx, &storage.AuditBatchHash{
		SequenceNumber: nextSeq,
		BatchStart:     now,
		BatchEnd:       now,
		RecordCount:    0,
		Hash:           marker,
		PreviousHash:   marker,
	})
}

// onesComplement flips every bit of a hex-encoded digest, i.e. for each hex
// digit d, emits 0xF-d.
func onesComplement(hexDigest string) string {
	var out strings.Builder
	out.Grow(len(hexDigest))
	for _, c := range hexDigest {
		v, err := hexDigit(c)
		if err != nil {
			continue
		}
		out.WriteByte("0123456789abcdef"[0xF-v])
	}
	return out.String()
}

func hexDigit(c rune) (int, error) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), nil
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, nil
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, nil
	default:
		return 0, fmt.Errorf("audit: invalid hex digit %q", c)
	}
}

// archiveOld moves entries older than retain out of the primary database.
// With no archive target configured, it deletes them instead — losing
// history is the accepted tradeoff of running without cold storage, rather
// than growing the primary database unbounded.
func (w *Writer) archiveOld(ctx context.Context) error {
	cutoff := time.Now().Add(-w.retain).Unix()
	const batchSize = 5_000

	for {
		entries, err := w.log.OlderThan(ctx, cutoff, batchSize)
		if err != nil {
			return fmt.Errorf("listing entries to archive: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		if w.archive != nil {
			if _, err := w.archive.InsertBatch(ctx, entries); err != nil {
				return fmt.Errorf("copying entries to archive: %w", err)
			}
			if err := w.archiveBatchHashes(ctx, entries); err != nil {
				return fmt.Errorf("copying batch hashes to archive: %w", err)
			}
		}

		ids := make([]int64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := w.log.DeleteByIDs(ctx, ids); err != nil {
			return fmt.Errorf("deleting archived entries from primary: %w", err)
		}

		if len(entries) < batchSize {
			return nil
		}
	}
}

// archiveBatchHashes copies the hash-chain links covering entries into the
// archive database, so a reader verifying the archive's chain later doesn't
// hit a gap where the corresponding entries went cold. Entries carry their
// batch's sequence number in BatchID; hashes already present in the archive
// (from a prior archival pass) are skipped.
func (w *Writer) archiveBatchHashes(ctx context.Context, entries []*storage.AuditLogEntry) error {
	wanted := make(map[int64]bool)
	for _, e := range entries {
		if e.BatchID != nil {
			wanted[*e.BatchID] = true
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	archived, err := w.archive.ListBatchHashes(ctx)
	if err != nil {
		return fmt.Errorf("listing archived batch hashes: %w", err)
	}
	for _, h := range archived {
		delete(wanted, h.SequenceNumber)
	}
	if len(wanted) == 0 {
		return nil
	}

	all, err := w.log.ListBatchHashes(ctx)
	if err != nil {
		return fmt.Errorf("listing primary batch hashes: %w", err)
	}
	for _, h := range all {
		if !wanted[h.SequenceNumber] {
			continue
		}
		if err := w.archive.InsertBatchHash(ctx, h); err != nil {
			return fmt.Errorf("inserting archived batch hash %d: %w", h.SequenceNumber, err)
		}
	}
	return nil
}
