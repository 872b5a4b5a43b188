// Package rfc9211 builds the Cache-Status response header field.
package rfc9211

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

type CacheStatus struct {
	// Name identifying the cache in the header value.
	Name      string
	Status    Status
	FwdReason FwdReason
	// Status code received from the origin, if it was contacted.
	FwdStatus int
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the header field value, e.g.
//
//	FreshCheck; fwd=uri-miss; fwd-status=200; stored; detail=cache-first
func (cs CacheStatus) String() string {
	name := cs.Name
	if name == "" {
		name = "FreshCheck"
	}
	parts := []string{name}
	switch {
	case cs.Status == StatusHit:
		parts = append(parts, string(StatusHit))
	case cs.FwdReason != "":
		parts = append(parts, fmt.Sprintf("fwd=%s", cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		parts = append(parts, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, "detail="+cs.Detail)
	}
	return strings.Join(parts, "; ")
}
