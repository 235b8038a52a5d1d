// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the moderated chat flow: deterministic
// scanning, streaming generation with retry, the semantic audit, and the
// handoff into human review.
//
// This file implements the provisional reply buffer. A generated reply that
// may yet be withheld for review is sensitive material; it accumulates in
// mlocked memory so a withheld reply never reaches swap.
package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ReplyBufferSize bounds one accumulated reply. 512 KB covers long
	// generations with room to spare.
	ReplyBufferSize = 512 * 1024

	// minMlockLimitKB is the minimum mlock limit required for secure mode.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Reply Accumulator
// =============================================================================

// ReplyAccumulator collects streamed tokens into a provisional reply.
//
// # Description
//
// Unlike a plain strings.Builder, the accumulator supports Reset so a failed
// generation attempt can discard its partial output before the retry, and it
// wipes its memory on Destroy. The secure implementation keeps the bytes in
// an mlocked memguard buffer; when the system's mlock limit is too low and
// GUARD_INSECURE_MEMORY=true is set, a plain heap fallback is used instead.
//
// # Thread Safety
//
// Safe for concurrent use, though the pipeline writes from a single
// goroutine.
type ReplyAccumulator interface {
	// Write appends one token. Fails on overflow or after Destroy.
	Write(token string) error

	// Finalize returns the accumulated reply without consuming the
	// accumulator. The pipeline still owns cleanup via Destroy.
	Finalize() (string, error)

	// Reset discards the accumulated content, keeping the buffer usable.
	// Called between generation attempts.
	Reset()

	// Destroy wipes the buffer. Idempotent.
	Destroy()
}

// NewReplyAccumulator allocates a reply accumulator, secure when the system
// permits it.
func NewReplyAccumulator() (ReplyAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("GUARD_INSECURE_MEMORY") == "true" {
			slog.Warn("Using insecure reply accumulator due to mlock limits",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
			return &heapAccumulator{data: make([]byte, 0, ReplyBufferSize)}, nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Raise the limit or set GUARD_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB)
	}

	buf := memguard.NewBuffer(ReplyBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ReplyBufferSize)
	}
	buf.Melt()
	return &secureAccumulator{buffer: buf}, nil
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit insufficient for secure reply accumulation",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// PurgeSecureMemory wipes all memguard allocations. Called on shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
}

// =============================================================================
// Secure Implementation
// =============================================================================

type secureAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	destroyed bool
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.offset+len(token) > ReplyBufferSize {
		return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
			len(token), ReplyBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], token)
	a.offset += len(token)
	return nil
}

func (a *secureAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	return string(a.buffer.Bytes()[:a.offset]), nil
}

func (a *secureAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	// Wipe the discarded attempt before rewinding.
	b := a.buffer.Bytes()
	for i := 0; i < a.offset; i++ {
		b[i] = 0
	}
	a.offset = 0
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.buffer.Destroy()
	a.destroyed = true
}

// =============================================================================
// Heap Fallback
// =============================================================================

type heapAccumulator struct {
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

func (a *heapAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if len(a.data)+len(token) > ReplyBufferSize {
		return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
			len(token), ReplyBufferSize-len(a.data))
	}
	a.data = append(a.data, token...)
	return nil
}

func (a *heapAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	return string(a.data), nil
}

func (a *heapAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = a.data[:0]
}

func (a *heapAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
