package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Swcache-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	// Needed for the Age header of cache hits.
	StoredAt time.Time
}

// Age returns how long ago the response was stored, in whole seconds.
func (s StoredResponse) Age(now time.Time) time.Duration {
	age := now.Sub(s.StoredAt).Truncate(time.Second)
	if age < 0 {
		return 0
	}
	return age
}

// ResponseToBytes returns the HTTP/1.1 representation of the response,
// tagged with the time it was stored.
// The response body is read fully and set back, so the caller can still
// send the response on.
func ResponseToBytes(res *http.Response, storedAt time.Time) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		res.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	stored := *res
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.Close = false
	stored.TransferEncoding = nil
	stored.Trailer = nil
	stored.ContentLength = int64(len(body))
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.Header = res.Header.Clone()
	if stored.Header == nil {
		stored.Header = make(http.Header)
	}
	stored.Header.Set(storedAtHeaderName, strconv.FormatInt(storedAt.Unix(), 10))

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse parses bytes created by ResponseToBytes.
// The request, which may be nil, is set as the response request.
func BytesToResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.Unix(storedAt, 0)
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}
