package source

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// syntheticRoundTripper serves deterministic placeholder payloads for any
// request without touching the network. It is the transport behind the
// synthetic source and must never fail: request functions run against it
// see a well-formed 200 response regardless of path or method.
type syntheticRoundTripper struct {
	source string
}

func newSyntheticRoundTripper(source string) *syntheticRoundTripper {
	return &syntheticRoundTripper{source: source}
}

// syntheticBody is the placeholder payload shape. Data is always an empty
// batch; Marker lets the presentation layer render a "placeholder data"
// notice.
type syntheticBody struct {
	Source    string           `json:"source"`
	Synthetic bool             `json:"synthetic"`
	Marker    string           `json:"marker"`
	Path      string           `json:"path"`
	RequestID string           `json:"request_id"`
	Data      []map[string]any `json:"data"`
}

// RoundTrip implements http.RoundTripper. The body is a pure function of
// the request path, so repeated calls for the same resource are identical.
func (t *syntheticRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	sum := sha256.Sum256([]byte(t.source + ":" + path))

	body := syntheticBody{
		Source:    t.source,
		Synthetic: true,
		Marker:    "placeholder",
		Path:      path,
		RequestID: hex.EncodeToString(sum[:8]),
		Data:      []map[string]any{},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		// Marshaling a fixed struct cannot fail; keep the contract anyway
		payload = []byte(`{"source":"` + t.source + `","synthetic":true,"data":[]}`)
	}

	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
		Request:       req,
	}, nil
}

// Payload is the result of an executed request: the raw bytes plus the
// identity of the source that served them.
type Payload struct {
	Data      []byte    `json:"data"`
	Source    string    `json:"source"`
	Synthetic bool      `json:"synthetic"`
	FetchedAt time.Time `json:"fetched_at"`
}
