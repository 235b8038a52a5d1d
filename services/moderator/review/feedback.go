// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JSONLFeedbackSink appends reviewer corrections to a JSON Lines file.
//
// Each line is one CorrectionFeedback record plus a timestamp, ready for
// offline fine-tuning or prompt-improvement pipelines. The file can be
// mounted out of the container with a volume.
type JSONLFeedbackSink struct {
	mu   sync.Mutex
	path string
}

// NewJSONLFeedbackSink creates a sink writing to path. The file is created
// on first submission, not here.
func NewJSONLFeedbackSink(path string) *JSONLFeedbackSink {
	return &JSONLFeedbackSink{path: path}
}

// SubmitCorrection appends one correction record.
func (s *JSONLFeedbackSink) SubmitCorrection(ctx context.Context, fb CorrectionFeedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open feedback log: %w", err)
	}
	defer file.Close()

	record := struct {
		CorrectionFeedback
		RecordedAt int64 `json:"recorded_at"`
	}{
		CorrectionFeedback: fb,
		RecordedAt:         time.Now().UnixMilli(),
	}

	if err := json.NewEncoder(file).Encode(record); err != nil {
		return fmt.Errorf("write feedback record: %w", err)
	}
	return nil
}

var _ FeedbackSink = (*JSONLFeedbackSink)(nil)
