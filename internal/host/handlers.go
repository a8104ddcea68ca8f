package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/probe"
	"github.com/danmuck/viewhost/internal/protocol/schema"
	"github.com/danmuck/viewhost/internal/rpc"
	"github.com/danmuck/viewhost/internal/screenshare"
	"github.com/danmuck/viewhost/internal/store"
	"github.com/danmuck/viewhost/internal/trust"
)

// guestRegistry builds the calls one guest may make. get-initial-state
// attaches the guest as a sink, so it is bound to g.
func (s *Service) guestRegistry(g *guestConn) *rpc.Registry {
	reg := rpc.NewRegistry()

	_ = reg.Handle(schema.CallGetInitialState, func(ctx context.Context, _ json.RawMessage) (any, error) {
		var snapshot store.State
		logger := s.logger.With().Str("guest", g.info.GuestID).Logger()
		sink := newGuestSink(g.endpoint.Load(), s.cfg.GuestQueueDepth, logger)
		// stored first so session teardown always stops the writer
		if !g.sink.CompareAndSwap(nil, sink) {
			sink.close()
			return nil, fmt.Errorf("%w: %s", bus.ErrDuplicateSink, g.sinkID)
		}
		if err := s.bus.Attach(g.sinkID, sink, func() { snapshot = s.store.Snapshot() }); err != nil {
			sink.close()
			return nil, err
		}
		// the session may have ended while the attach waited its turn
		if err := ctx.Err(); err != nil {
			s.bus.Detach(g.sinkID)
			sink.close()
			return nil, err
		}
		g.attached.Store(true)
		return snapshot, nil
	})

	_ = rpc.HandleTyped(reg, schema.CallFetchInfo, func(ctx context.Context, req schema.FetchInfoArgs) (probe.Info, error) {
		return s.info.FetchInfo(ctx, req.URL)
	})

	_ = rpc.HandleTyped(reg, schema.CallGetSystemIdleState, func(_ context.Context, req schema.IdleStateArgs) (schema.IdleStateResult, error) {
		state := s.idle.State(time.Duration(req.ThresholdSeconds) * time.Second)
		return schema.IdleStateResult{State: string(state)}, nil
	})

	_ = rpc.HandleTyped(reg, schema.CallCertificateError, func(ctx context.Context, req schema.CertificateErrorArgs) (schema.CertificateErrorResult, error) {
		trusted, err := s.negotiator.Decide(ctx, req.Origin, req.Certificate, req.ErrorCode)
		if err != nil {
			return schema.CertificateErrorResult{}, err
		}
		return schema.CertificateErrorResult{Trusted: trusted}, nil
	})

	_ = rpc.HandleTyped(reg, schema.CallSelectClientCertificate, func(ctx context.Context, req schema.ClientCertificateArgs) (schema.ClientCertificateResult, error) {
		choice, err := trust.SelectClientCertificate(ctx, s.bus, req.Certificates)
		if err != nil {
			return schema.ClientCertificateResult{}, err
		}
		return schema.ClientCertificateResult{Fingerprint: choice.Fingerprint, Denied: choice.Denied}, nil
	})

	_ = rpc.HandleTyped(reg, schema.CallRequestScreenSharing, func(ctx context.Context, req schema.ScreenSharingArgs) (schema.ScreenSharingResult, error) {
		sel, err := screenshare.Negotiate(ctx, s.bus, screenshare.Hints{
			Types:           req.Types,
			ThumbnailWidth:  req.ThumbnailWidth,
			ThumbnailHeight: req.ThumbnailHeight,
		})
		if err != nil {
			return schema.ScreenSharingResult{}, err
		}
		return schema.ScreenSharingResult{SourceID: sel.SourceID, Denied: sel.Denied}, nil
	})

	return reg
}
