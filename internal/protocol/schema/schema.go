// Package schema names the calls a guest makes to the host and the argument
// and result shapes each one carries.
package schema

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/viewhost/internal/action"
)

// Call names served by the host.
const (
	CallGetInitialState         = "get-initial-state"
	CallFetchInfo               = "fetch-info"
	CallGetSystemIdleState      = "get-system-idle-state"
	CallCertificateError        = "certificate-error"
	CallSelectClientCertificate = "select-client-certificate"
	CallRequestScreenSharing    = "request-screen-sharing"
)

// Calls lists every call name the host serves.
func Calls() []string {
	return []string{
		CallGetInitialState,
		CallFetchInfo,
		CallGetSystemIdleState,
		CallCertificateError,
		CallSelectClientCertificate,
		CallRequestScreenSharing,
	}
}

type ValidationError struct {
	Call   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: call=%s: %s", e.Call, e.Reason)
	}
	return fmt.Sprintf("schema: call=%s field=%s: %s", e.Call, e.Field, e.Reason)
}

type FetchInfoArgs struct {
	URL string `json:"url"`
}

func (a *FetchInfoArgs) Validate() error {
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || u.Host == "" {
		return ValidationError{Call: CallFetchInfo, Field: "url", Reason: "must be an absolute url"}
	}
	return nil
}

type IdleStateArgs struct {
	ThresholdSeconds int `json:"threshold_seconds"`
}

func (a *IdleStateArgs) Validate() error {
	if a.ThresholdSeconds <= 0 {
		return ValidationError{Call: CallGetSystemIdleState, Field: "threshold_seconds", Reason: "must be positive"}
	}
	return nil
}

type IdleStateResult struct {
	State string `json:"state"`
}

type CertificateErrorArgs struct {
	Origin      string                 `json:"origin"`
	Certificate action.CertificateInfo `json:"certificate"`
	ErrorCode   string                 `json:"error_code"`
}

func (a *CertificateErrorArgs) Validate() error {
	switch {
	case strings.TrimSpace(a.Origin) == "":
		return ValidationError{Call: CallCertificateError, Field: "origin", Reason: "missing required field"}
	case strings.TrimSpace(a.Certificate.Fingerprint) == "":
		return ValidationError{Call: CallCertificateError, Field: "certificate.fingerprint", Reason: "missing required field"}
	case strings.TrimSpace(a.Certificate.Serialized) == "":
		return ValidationError{Call: CallCertificateError, Field: "certificate.serialized", Reason: "missing required field"}
	}
	return nil
}

type CertificateErrorResult struct {
	Trusted bool `json:"trusted"`
}

type ClientCertificateArgs struct {
	Certificates []action.CertificateInfo `json:"certificates"`
}

func (a *ClientCertificateArgs) Validate() error {
	if len(a.Certificates) == 0 {
		return ValidationError{Call: CallSelectClientCertificate, Field: "certificates", Reason: "must not be empty"}
	}
	return nil
}

type ClientCertificateResult struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Denied      bool   `json:"denied"`
}

type ScreenSharingArgs struct {
	Types           []string `json:"types"`
	ThumbnailWidth  int      `json:"thumbnail_width"`
	ThumbnailHeight int      `json:"thumbnail_height"`
}

func (a *ScreenSharingArgs) Validate() error {
	for _, t := range a.Types {
		if t != "screen" && t != "window" {
			return ValidationError{Call: CallRequestScreenSharing, Field: "types", Reason: fmt.Sprintf("unknown source type %q", t)}
		}
	}
	if a.ThumbnailWidth < 0 || a.ThumbnailHeight < 0 {
		return ValidationError{Call: CallRequestScreenSharing, Field: "thumbnail", Reason: "must not be negative"}
	}
	return nil
}

type ScreenSharingResult struct {
	SourceID string `json:"source_id,omitempty"`
	Denied   bool   `json:"denied"`
}
