package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StructuralError reports a worker response that could not be parsed into
// the expected structure. Raw preserves the original payload for diagnosis.
type StructuralError struct {
	Raw    string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural response error: %s", e.Reason)
}

// ParseResponse decodes a worker reply. One strict parse attempt, then one
// bounded fallback that extracts the outermost JSON object from surrounding
// noise (some workers wrap JSON in log lines). No further heuristics: a
// second failure surfaces as StructuralError with the raw content kept.
func ParseResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err == nil {
		return resp, nil
	}

	start := bytes.IndexByte(data, '{')
	end := bytes.LastIndexByte(data, '}')
	if start >= 0 && end > start {
		if err := json.Unmarshal(data[start:end+1], &resp); err == nil {
			return resp, nil
		}
	}

	return Response{}, &StructuralError{
		Raw:    string(data),
		Reason: "response is not a valid result object",
	}
}
