// Package preflight checks that an archive destination is usable before
// any object is written to it.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/gorelax/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly Mode = "plan-only"
	ModeReadSafe Mode = "read-safe"
)

// ParseMode parses a mode name. Empty selects read-safe.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(strings.ToLower(s))) {
	case "", ModeReadSafe:
		return ModeReadSafe, nil
	case ModePlanOnly:
		return ModePlanOnly, nil
	default:
		return "", fmt.Errorf("unsupported preflight mode: %s", s)
	}
}

// Capability names are stable strings used in reports.
const (
	CapTargetList = "target.list"
	CapTargetHead = "target.head"
)

// Error codes reported in CheckResult.ErrorCode.
const (
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeThrottled    = "THROTTLED"
	ErrCodeInternal     = "INTERNAL"
)

// CheckResult is the outcome of one capability check.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects the checks of one preflight.
type Report struct {
	Mode    Mode          `json:"mode"`
	Prefix  string        `json:"prefix"`
	Results []CheckResult `json:"results"`
}

// Archive runs the preflight for publishing under prefix.
//
// Ordering (fail-fast): target list, then a head of a random key under
// prefix. A missing object is the expected answer to the head.
func Archive(ctx context.Context, dst provider.Provider, prefix string, mode Mode) (*Report, error) {
	rec := &Report{Mode: mode, Prefix: prefix, Results: []CheckResult{}}
	if mode == ModePlanOnly {
		return rec, nil
	}

	method := fmt.Sprintf("List(prefix=%q)", prefix)
	if _, err := dst.List(ctx, prefix); err != nil && !provider.IsNotFound(err) {
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapTargetList,
			Allowed:    false,
			Method:     method,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}
	rec.Results = append(rec.Results, CheckResult{Capability: CapTargetList, Allowed: true, Method: method})

	probeKey := joinPrefix(prefix, ".gorelax-preflight-"+uuid.NewString())
	_, headErr := dst.Head(ctx, probeKey)
	if headErr != nil && !provider.IsNotFound(headErr) {
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapTargetHead,
			Allowed:    false,
			Method:     "Head(random)",
			ErrorCode:  normalizeErrorCode(headErr),
			Detail:     headErr.Error(),
		})
		return rec, headErr
	}
	rec.Results = append(rec.Results, CheckResult{Capability: CapTargetHead, Allowed: true, Method: "Head(random)"})

	return rec, nil
}

func normalizeErrorCode(err error) string {
	switch {
	case errors.Is(err, provider.ErrAccessDenied), errors.Is(err, provider.ErrInvalidCredentials):
		return ErrCodeAccessDenied
	case errors.Is(err, provider.ErrBucketNotFound), provider.IsNotFound(err):
		return ErrCodeNotFound
	case errors.Is(err, provider.ErrThrottled):
		return ErrCodeThrottled
	default:
		return ErrCodeInternal
	}
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
