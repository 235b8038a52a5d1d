// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file serves as the bridge between the build system and the runtime logic.
It uses the Go embed package to bake detection_rules.yaml directly into the
compiled binary, so the safety rules are immutable at runtime and travel with
the executable.
*/

package rules

import (
	_ "embed"
)

// DetectionRules holds the raw byte content of the 'detection_rules.yaml' file.
//
// Populated at compile time via the Go 'embed' directive. By baking the YAML
// directly into the binary we ensure the detection rules cannot be tampered
// with on the host filesystem without recompiling the application.
//
// Usage:
//
//	// Pass these bytes directly to yaml.Unmarshal
//	err := yaml.Unmarshal(rules.DetectionRules, &targetStruct)
//
//go:embed detection_rules.yaml
var DetectionRules []byte
