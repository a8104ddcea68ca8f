// Package trust decides whether to trust server certificates that fail
// verification and which client certificate to present, asking a human at
// most once per certificate.
package trust

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/correlate"
	"github.com/danmuck/viewhost/internal/logging"
	"github.com/danmuck/viewhost/internal/store"
	"github.com/rs/zerolog"
)

var ErrInvalidCertificate = errors.New("trust: invalid certificate")

// Sequencer applies an action synchronously on the host's action sequence.
// *bus.Bus satisfies it through Run.
type Sequencer interface {
	bus.Dispatcher
	Run(fn func(process func(action.Action)))
}

// Negotiator runs on the host, where the canonical store lives.
type Negotiator struct {
	seq    Sequencer
	store  *store.Store
	repo   Repository
	logger zerolog.Logger

	// prompts outlive the callers that raised them; only Close ends them
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue map[string][]func(bool)
}

func NewNegotiator(seq Sequencer, st *store.Store, repo Repository) *Negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		seq:    seq,
		store:  st,
		repo:   repo,
		logger: logging.Component("trust"),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(map[string][]func(bool)),
	}
}

// Close abandons open prompts. Their callers receive false and nothing is
// recorded.
func (n *Negotiator) Close() {
	n.cancel()
}

// HandleCertificateError reports the trust decision for cert presented by
// origin through callback. Known decisions answer immediately; otherwise
// one prompt per fingerprint is raised and every caller waiting on that
// fingerprint receives the same answer.
//
// The prompt is not bound to ctx. A caller that goes away leaves the prompt
// open for the others, and it stays pending until a human answers or the
// negotiator is closed. An already ended ctx is rejected before queueing.
func (n *Negotiator) HandleCertificateError(ctx context.Context, origin string, cert action.CertificateInfo, errorCode string, callback func(bool)) error {
	if strings.TrimSpace(origin) == "" || strings.TrimSpace(cert.Fingerprint) == "" || strings.TrimSpace(cert.Serialized) == "" {
		return ErrInvalidCertificate
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	st := n.store.State()
	if st.TrustedCertificates[origin] == cert.Serialized {
		n.mu.Unlock()
		callback(true)
		return nil
	}
	if st.NotTrustedCertificates[origin] == cert.Serialized {
		n.mu.Unlock()
		callback(false)
		return nil
	}
	if waiting, ok := n.queue[cert.Fingerprint]; ok {
		n.queue[cert.Fingerprint] = append(waiting, callback)
		n.mu.Unlock()
		return nil
	}
	n.queue[cert.Fingerprint] = []func(bool){callback}
	n.mu.Unlock()

	go n.prompt(origin, cert, errorCode)
	return nil
}

// Decide is HandleCertificateError as a blocking call. Cancelling ctx ends
// only this caller's wait.
func (n *Negotiator) Decide(ctx context.Context, origin string, cert action.CertificateInfo, errorCode string) (bool, error) {
	answer := make(chan bool, 1)
	if err := n.HandleCertificateError(ctx, origin, cert, errorCode, func(trusted bool) { answer <- trusted }); err != nil {
		return false, err
	}
	select {
	case trusted := <-answer:
		return trusted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (n *Negotiator) prompt(origin string, cert action.CertificateInfo, errorCode string) {
	ctx := n.ctx
	req := action.MustNew(action.CertificateTrustRequested, action.CertificateTrustPrompt{
		Origin:      origin,
		Certificate: cert,
		ErrorCode:   errorCode,
	})
	resp, err := correlate.Request(ctx, n.seq, req)

	trusted := false
	decided := err == nil
	if err != nil {
		n.logger.Warn().Str("origin", origin).Str("fingerprint", cert.Fingerprint).Err(err).Msg("trust.prompt_abandoned")
	} else if resp.Type == action.CertificateTrustResponse {
		if answer, decodeErr := action.Decode[action.CertificateTrustAnswer](resp); decodeErr == nil {
			trusted = answer.Trusted
		}
	}

	if decided {
		decisionType := action.CertificateNotTrusted
		if trusted {
			decisionType = action.CertificateTrusted
		}
		decision := action.MustNew(decisionType, action.CertificateDecision{Origin: origin, Serialized: cert.Serialized})
		// recorded in state before the queue entry goes away, so a later
		// error for the same certificate short-circuits instead of prompting
		n.seq.Run(func(process func(action.Action)) { process(decision) })
		if n.repo != nil {
			if err := n.repo.Save(context.WithoutCancel(ctx), origin, cert.Serialized, trusted); err != nil {
				n.logger.Error().Str("origin", origin).Err(err).Msg("trust.persist_failed")
			}
		}
		n.logger.Info().Str("origin", origin).Str("fingerprint", cert.Fingerprint).Bool("trusted", trusted).Msg("trust.decided")
	}

	n.mu.Lock()
	waiting := n.queue[cert.Fingerprint]
	delete(n.queue, cert.Fingerprint)
	n.mu.Unlock()
	for _, cb := range waiting {
		cb(trusted)
	}
}

// Pending reports how many fingerprints are waiting on a human.
func (n *Negotiator) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// ClearDecisions forgets every trust decision in state and storage.
func (n *Negotiator) ClearDecisions(ctx context.Context) error {
	if err := n.seq.Dispatch(action.MustNew(action.CertificatesCleared, nil)); err != nil {
		return err
	}
	if n.repo == nil {
		return nil
	}
	return n.repo.Clear(ctx)
}

// ClientCertificateChoice is the outcome of a client certificate prompt.
type ClientCertificateChoice struct {
	Fingerprint string
	Denied      bool
}

// SelectClientCertificate asks which of certs to present. A dismissed prompt,
// or an answer naming a certificate that was not offered, is a denial.
func SelectClientCertificate(ctx context.Context, d bus.Dispatcher, certs []action.CertificateInfo) (ClientCertificateChoice, error) {
	req, err := action.New(action.ClientCertificateRequested, action.ClientCertificatePrompt{Certificates: certs})
	if err != nil {
		return ClientCertificateChoice{}, err
	}
	resp, err := correlate.Request(ctx, d, req)
	if err != nil {
		return ClientCertificateChoice{}, err
	}
	if resp.Type != action.ClientCertificateSelected {
		return ClientCertificateChoice{Denied: true}, nil
	}
	answer, err := action.Decode[action.ClientCertificateAnswer](resp)
	if err != nil {
		return ClientCertificateChoice{Denied: true}, nil
	}
	for _, c := range certs {
		if c.Fingerprint == answer.Fingerprint {
			return ClientCertificateChoice{Fingerprint: c.Fingerprint}, nil
		}
	}
	return ClientCertificateChoice{Denied: true}, nil
}
