// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorWriteFinalize(t *testing.T) {
	t.Setenv("GUARD_INSECURE_MEMORY", "true")
	acc, err := NewReplyAccumulator()
	require.NoError(t, err)
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world!"))

	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", reply)

	// Finalize does not consume the accumulator.
	reply, err = acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", reply)
}

func TestAccumulatorResetDiscardsPartialAttempt(t *testing.T) {
	t.Setenv("GUARD_INSECURE_MEMORY", "true")
	acc, err := NewReplyAccumulator()
	require.NoError(t, err)
	defer acc.Destroy()

	require.NoError(t, acc.Write("partial output from a failed attempt"))
	acc.Reset()
	require.NoError(t, acc.Write("clean"))

	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "clean", reply)
}

func TestAccumulatorOverflow(t *testing.T) {
	acc := &heapAccumulator{data: make([]byte, 0, ReplyBufferSize)}
	defer acc.Destroy()

	big := strings.Repeat("x", ReplyBufferSize)
	require.NoError(t, acc.Write(big))
	assert.Error(t, acc.Write("one more byte"))
}

func TestAccumulatorDestroyIsIdempotent(t *testing.T) {
	acc := &heapAccumulator{data: make([]byte, 0, 64)}
	require.NoError(t, acc.Write("secret"))

	acc.Destroy()
	acc.Destroy()

	assert.Error(t, acc.Write("after destroy"))
	_, err := acc.Finalize()
	assert.Error(t, err)
	acc.Reset() // no-op, must not panic
}
