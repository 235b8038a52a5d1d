// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detection

// ClassifyEmotion scores the weighted emotion lexicon against text.
//
// # Description
//
// Each emotion category owns a list of weighted indicator patterns. The
// category with the highest total weight wins; ties favor the category
// declared first in the catalog. Zero matches anywhere yields neutral.
//
// Intensity is a fixed label-to-intensity mapping (see Emotion.Intensity),
// deliberately not re-derived from match counts: the UI only needs a coarse
// pacing signal, not a score.
func (e *Engine) ClassifyEmotion(text string) (Emotion, EmotionIntensity) {
	best := EmotionNeutral
	bestScore := 0

	for _, cat := range e.emotions {
		score := 0
		for _, ind := range cat.Indicators {
			if ind.compiled.MatchString(text) {
				score += ind.Weight
			}
		}
		// Strict > keeps ties on the earlier category.
		if score > bestScore {
			bestScore = score
			best = cat.Name
		}
	}

	return best, best.Intensity()
}
