package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
)

type wireParameters struct {
	RetryAfter *float64 `json:"retry_after"`
}

type wireItem struct {
	OK          *bool           `json:"ok"`
	Description string          `json:"description"`
	Message     string          `json:"message"`
	Parameters  *wireParameters `json:"parameters"`
}

type wireResponse struct {
	wireItem
	Results []wireItem `json:"results"`
}

// Classify maps an HTTP reply to n results.
//
// When the body carries a results array each element supplies ok, description
// and message, and the outer status applies to all of them. Otherwise the
// outer status is broadcast. Missing trailing elements are padded with the
// broadcast result. A non-empty body that is not JSON is a decode error.
func Classify(status int, body []byte, n int) ([]Result, error) {
	var wr wireResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &wr); err != nil {
			return nil, fmt.Errorf("decode gateway response (status %d): %w", status, err)
		}
	}

	broadcast := classifyItem(status, wr.wireItem, nil)
	out := make([]Result, 0, n)
	for i := 0; i < len(wr.Results) && i < n; i++ {
		out = append(out, classifyItem(status, wr.Results[i], wr.Parameters))
	}
	return fill(out, n, broadcast), nil
}

func classifyItem(status int, it wireItem, fallback *wireParameters) Result {
	ok := status >= http.StatusOK && status < http.StatusMultipleChoices
	if it.OK != nil {
		ok = *it.OK
	}
	text := it.Description
	if text == "" {
		text = it.Message
	}
	r := Result{
		OK:           ok,
		Status:       status,
		Text:         text,
		IsBlocked:    !ok && status == http.StatusForbidden,
		IsBadRequest: !ok && status == http.StatusBadRequest,
	}
	if !ok && status == http.StatusTooManyRequests {
		params := it.Parameters
		if params == nil || params.RetryAfter == nil {
			params = fallback
		}
		if params != nil && params.RetryAfter != nil && *params.RetryAfter >= 0 {
			v := int(math.Ceil(*params.RetryAfter))
			r.RetryAfter = &v
		}
	}
	return r
}

// fill pads out to n entries with r.
func fill(out []Result, n int, r Result) []Result {
	if out == nil {
		out = make([]Result, 0, n)
	}
	for len(out) < n {
		out = append(out, r)
	}
	return out
}
