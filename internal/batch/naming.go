package batch

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

const (
	processedPrefix   = "processed_"
	reformattedPrefix = "reformatted_"
	extension         = ".json"
)

// Unprocessed file pattern: processed_{chunk}[_{sub}].json
// Example: processed_0007_03.json
var processedPattern = regexp.MustCompile(`^processed_(\d{4,})(?:_(\d{2,}))?\.json$`)

// Reformatted file pattern: reformatted_{seq}.json
// Example: reformatted_0012.json
var reformattedPattern = regexp.MustCompile(`^reformatted_(\d{4,})\.json$`)

// Name identifies an unprocessed batch file. Sub is -1 when the name carries
// no secondary index.
type Name struct {
	Chunk int
	Sub   int
}

// String returns the file name, e.g. processed_0007.json or
// processed_0007_03.json.
func (n Name) String() string {
	if n.Sub < 0 {
		return fmt.Sprintf("%s%04d%s", processedPrefix, n.Chunk, extension)
	}
	return fmt.Sprintf("%s%04d_%02d%s", processedPrefix, n.Chunk, n.Sub, extension)
}

// Less orders names by chunk, then sub. A name without sub sorts first.
func (n Name) Less(o Name) bool {
	if n.Chunk != o.Chunk {
		return n.Chunk < o.Chunk
	}
	return n.Sub < o.Sub
}

// Processed returns the name of a single-writer batch file.
func Processed(chunk int) Name {
	return Name{Chunk: chunk, Sub: -1}
}

// ProcessedSub returns the name of a batch file written by one of several
// concurrent writers sharing a chunk index.
func ProcessedSub(chunk, sub int) Name {
	return Name{Chunk: chunk, Sub: sub}
}

// ReformattedName returns the name of the seq-th reformatted file.
func ReformattedName(seq int) string {
	return fmt.Sprintf("%s%04d%s", reformattedPrefix, seq, extension)
}

// ParseProcessed extracts chunk and sub from an unprocessed file name.
func ParseProcessed(filename string) (Name, bool) {
	matches := processedPattern.FindStringSubmatch(filename)
	if matches == nil {
		return Name{}, false
	}

	chunk, err := strconv.Atoi(matches[1])
	if err != nil {
		return Name{}, false
	}

	n := Name{Chunk: chunk, Sub: -1}
	if matches[2] != "" {
		sub, err := strconv.Atoi(matches[2])
		if err != nil {
			return Name{}, false
		}
		n.Sub = sub
	}
	return n, true
}

// ParseReformatted extracts the sequence number from a reformatted file name.
func ParseReformatted(filename string) (int, bool) {
	matches := reformattedPattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, false
	}
	seq, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return seq, true
}

// SortProcessed filters keys down to unprocessed batch files and returns them
// in creation order. Ordering uses the parsed numbers, so indices that
// outgrow their zero padding still sort correctly.
func SortProcessed(keys []string) []Name {
	names := make([]Name, 0, len(keys))
	for _, k := range keys {
		if n, ok := ParseProcessed(k); ok {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return names[i].Less(names[j])
	})
	return names
}

// CountReformatted returns how many reformatted files keys contains.
func CountReformatted(keys []string) int {
	count := 0
	for _, k := range keys {
		if _, ok := ParseReformatted(k); ok {
			count++
		}
	}
	return count
}
