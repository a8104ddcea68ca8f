package action

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ScreenSharingRequested      = register(DomainScreenSharing, "screen-sharing/requested", payloadOf[ScreenSharingPrompt]())
	ScreenSharingSourceSelected = register(DomainScreenSharing, "screen-sharing/source-selected", payloadOf[ScreenSharingAnswer]())
	ScreenSharingDismissed      = register(DomainScreenSharing, "screen-sharing/dismissed", nil)

	DeepLinkServerAddRequested = register(DomainDeepLinks, "deep-links/server-add-requested", payloadOf[ServerRef]())
	DeepLinkServerAddApproved  = register(DomainDeepLinks, "deep-links/server-add-approved", nil)
	DeepLinkServerAddDismissed = register(DomainDeepLinks, "deep-links/server-add-dismissed", nil)

	ExternalProtocolPermissionSet = register(DomainPermissions, "permissions/external-protocol-set", payloadOf[ExternalProtocolPermission]())

	ViewChanged  = register(DomainView, "view/changed", payloadOf[ViewTarget]())
	ViewLoadPath = register(DomainView, "view/load-path", payloadOf[ServerPath]())

	UpdateCheckStarted = register(DomainUpdates, "updates/checking", nil)
	UpdateAvailable    = register(DomainUpdates, "updates/available", payloadOf[UpdateRelease]())
	UpdateNotAvailable = register(DomainUpdates, "updates/not-available", nil)
	UpdateFailed       = register(DomainUpdates, "updates/error", payloadOf[UpdateError]())

	GuestReady    = register(DomainGuests, "guests/ready", payloadOf[GuestRef]())
	GuestDetached = register(DomainGuests, "guests/detached", payloadOf[GuestRef]())
)

// ScreenSharingPrompt carries the capture hints a source picker needs.
type ScreenSharingPrompt struct {
	Types           []string `json:"types"`
	ThumbnailWidth  int      `json:"thumbnail_width,omitempty"`
	ThumbnailHeight int      `json:"thumbnail_height,omitempty"`
}

func (p *ScreenSharingPrompt) Validate() error {
	if len(p.Types) == 0 {
		return errors.New("missing source types")
	}
	for _, t := range p.Types {
		if t != "screen" && t != "window" {
			return fmt.Errorf("unknown source type %q", t)
		}
	}
	if p.ThumbnailWidth < 0 || p.ThumbnailHeight < 0 {
		return errors.New("negative thumbnail size")
	}
	return nil
}

// ScreenSharingAnswer is the picker's choice. A nil SourceID means denied.
type ScreenSharingAnswer struct {
	SourceID *string `json:"source_id"`
}

func (p *ScreenSharingAnswer) Validate() error {
	if p.SourceID != nil && strings.TrimSpace(*p.SourceID) == "" {
		return errors.New("empty source id")
	}
	return nil
}

type ExternalProtocolPermission struct {
	Protocol string `json:"protocol"`
	Allowed  bool   `json:"allowed"`
}

func (p *ExternalProtocolPermission) Validate() error {
	proto := strings.TrimSpace(p.Protocol)
	if proto == "" {
		return errors.New("missing protocol")
	}
	if !strings.HasSuffix(proto, ":") {
		return fmt.Errorf("protocol %q must end with ':'", proto)
	}
	return nil
}

type ViewKind string

const (
	ViewServer       ViewKind = "server"
	ViewAddNewServer ViewKind = "add-new-server"
	ViewDownloads    ViewKind = "downloads"
	ViewSettings     ViewKind = "settings"
)

type ViewTarget struct {
	Kind ViewKind `json:"kind"`
	URL  string   `json:"url,omitempty"`
}

func (p *ViewTarget) Validate() error {
	switch p.Kind {
	case ViewServer:
		return validateServerURL(p.URL)
	case ViewAddNewServer, ViewDownloads, ViewSettings:
		return nil
	default:
		return fmt.Errorf("unknown view %q", p.Kind)
	}
}

type UpdateRelease struct {
	Version string `json:"version"`
}

func (p *UpdateRelease) Validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return errors.New("missing version")
	}
	return nil
}

type UpdateError struct {
	Message string `json:"message"`
}

func (p *UpdateError) Validate() error { return nil }

// GuestRef identifies a guest and the server it is bound to.
type GuestRef struct {
	GuestID string `json:"guest_id"`
	URL     string `json:"url,omitempty"`
}

func (p *GuestRef) Validate() error {
	if strings.TrimSpace(p.GuestID) == "" {
		return errors.New("missing guest id")
	}
	if p.URL != "" {
		return validateServerURL(p.URL)
	}
	return nil
}
