package reformat

import (
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/thump-stream/internal/batch"
)

// ValidationResult contains the outcome of chunk validation.
type ValidationResult struct {
	Passed    bool
	Errors    []string
	Warnings  []string
	Documents int
}

// ValidateChunk performs quality checks on a chunk before it is committed.
// This validates:
// - Document count equals the chunk length
// - Every document is a JSON object
// - The document's diaSourceId matches the key it is stored under
func ValidateChunk(b *batch.Batch, chunkLen int) ValidationResult {
	result := ValidationResult{
		Passed:    true,
		Documents: b.Len(),
	}

	// Check 1: Exact size
	if b.Len() != chunkLen {
		result.Errors = append(result.Errors,
			fmt.Sprintf("document count mismatch: have %d, expected %d", b.Len(), chunkLen))
		result.Passed = false
	}

	for _, key := range b.Keys() {
		raw, _ := b.Get(key)

		// Check 2: Object documents
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("document %s is not a JSON object: %v", key, err))
			result.Passed = false
			continue
		}

		// Check 3: Key consistency
		idRaw, ok := doc["diaSourceId"]
		if !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("document %s has no diaSourceId", key))
			continue
		}
		var id string
		if err := json.Unmarshal(idRaw, &id); err != nil || id != key {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("document %s carries diaSourceId %s", key, idRaw))
		}
	}

	return result
}
