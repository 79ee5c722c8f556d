package worker

import (
	"fmt"
	"strings"
)

const (
	beginMarker = "BEGIN_JSON"
	endMarker   = "END_JSON"
)

// ExtractFramedJSON returns the single JSON block delimited by BEGIN_JSON and
// END_JSON marker lines. Text outside the block is ignored; zero blocks,
// multiple blocks, or an unterminated block are errors.
func ExtractFramedJSON(body string) ([]byte, error) {
	var (
		block   []string
		inBlock bool
		found   bool
	)
	for _, line := range strings.Split(body, "\n") {
		switch strings.TrimSpace(line) {
		case beginMarker:
			if inBlock {
				return nil, fmt.Errorf("nested %s marker", beginMarker)
			}
			if found {
				return nil, fmt.Errorf("more than one %s block", beginMarker)
			}
			inBlock = true
			block = block[:0]
		case endMarker:
			if !inBlock {
				return nil, fmt.Errorf("%s without preceding %s", endMarker, beginMarker)
			}
			inBlock = false
			found = true
		default:
			if inBlock {
				block = append(block, line)
			}
		}
	}
	if inBlock {
		return nil, fmt.Errorf("%s block never closed", beginMarker)
	}
	if !found {
		return nil, fmt.Errorf("no %s block in worker output", beginMarker)
	}
	inner := strings.TrimSpace(strings.Join(block, "\n"))
	if inner == "" {
		return nil, fmt.Errorf("%s block is empty", beginMarker)
	}
	return []byte(inner), nil
}
