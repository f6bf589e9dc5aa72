// Package sipbackend implements the voip capability surface over SIP.
// It runs a sipgo user agent: inbound INVITEs become invites handed to
// the dispatch layer, outbound dials run a client INVITE transaction and
// report progress through the call observer.
package sipbackend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/callkit/internal/callkit/voip"
)

const defaultDialTimeout = 30 * time.Second

// customParamPrefix marks headers that carry caller-defined parameters.
const customParamPrefix = "X-Callkit-"

// tokenHeader carries the authorization token on outbound INVITEs.
const tokenHeader = "X-Callkit-Token"

// Config holds the SIP listener and media advertisement settings.
type Config struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string

	// MediaAddr/MediaPort are advertised in SDP bodies. Media itself is
	// handled out of process.
	MediaAddr string
	MediaPort int

	DialTimeout time.Duration
}

// InviteHandler receives inbound call offers.
type InviteHandler func(*voip.Invite)

// CancelHandler is notified when the remote party cancels a pending invite.
type CancelHandler func(callID string)

// pendingInvite is an inbound INVITE awaiting accept or reject.
type pendingInvite struct {
	invite *voip.Invite
	req    *sip.Request
	tx     sip.ServerTransaction
}

// Backend is the SIP implementation of voip.Client.
type Backend struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu      sync.Mutex
	pending map[string]*pendingInvite
	calls   map[string]*sipCall

	onInvite InviteHandler
	onCancel CancelHandler
}

var _ voip.Client = (*Backend)(nil)

// NewBackend creates the user agent and registers SIP method handlers.
// Call Start to bind the listener.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	b := &Backend{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		pending: make(map[string]*pendingInvite),
		calls:   make(map[string]*sipCall),
	}

	srv.OnRequest(sip.INVITE, b.handleINVITE)
	srv.OnRequest(sip.ACK, b.handleACK)
	srv.OnRequest(sip.BYE, b.handleBYE)
	srv.OnRequest(sip.CANCEL, b.handleCANCEL)

	return b, nil
}

// SetInviteHandler registers the inbound invite callback. Must be set
// before Start.
func (b *Backend) SetInviteHandler(fn InviteHandler) {
	b.onInvite = fn
}

// SetCancelHandler registers the remote-cancel callback.
func (b *Backend) SetCancelHandler(fn CancelHandler) {
	b.onCancel = fn
}

// Start binds the SIP listener and serves until ctx is canceled.
func (b *Backend) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", b.cfg.BindAddr, b.cfg.Port)
	slog.Info("Starting SIP listener", "listenAddr", listenAddr)
	return b.srv.ListenAndServe(ctx, "udp", listenAddr)
}

// Close shuts down the user agent and its transports.
func (b *Backend) Close() error {
	if b.ua != nil {
		return b.ua.Close()
	}
	return nil
}

// --- Server side ---

func (b *Backend) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	if callID == "" {
		respond(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}

	var from, to string
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	if t := req.To(); t != nil {
		to = t.Address.String()
	}

	inv := &voip.Invite{
		CallID:           callID,
		From:             from,
		To:               to,
		CustomParameters: customParams(req),
	}

	b.mu.Lock()
	if _, exists := b.pending[callID]; exists {
		b.mu.Unlock()
		slog.Debug("Duplicate INVITE ignored", "call_id", callID)
		respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Duplicate")
		return
	}
	b.pending[callID] = &pendingInvite{invite: inv, req: req, tx: tx}
	b.mu.Unlock()

	respond(req, tx, sip.StatusRinging, "Ringing")

	if b.onInvite != nil {
		b.onInvite(inv)
	}
}

func (b *Backend) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	b.mu.Lock()
	p, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()

	respond(req, tx, sip.StatusOK, "OK")
	if !ok {
		return
	}

	respond(p.req, p.tx, sip.StatusRequestTerminated, "Request Terminated")
	slog.Info("Invite canceled by remote", "call_id", callID)
	if b.onCancel != nil {
		b.onCancel(callID)
	}
}

func (b *Backend) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	slog.Debug("ACK received", "call_id", requestCallID(req))
}

func (b *Backend) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	b.mu.Lock()
	c, ok := b.calls[callID]
	if ok {
		delete(b.calls, callID)
	}
	b.mu.Unlock()

	if !ok {
		respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call Does Not Exist")
		return
	}

	respond(req, tx, sip.StatusOK, "OK")
	slog.Info("BYE received", "call_id", callID)
	c.notify(voip.Update{CallID: callID, Kind: voip.UpdateDisconnected, Cause: "remote bye"})
}

// --- voip.Client ---

// Accept answers a pending invite with a 200 OK carrying our SDP answer.
// The connected update is delivered asynchronously through the observer.
func (b *Backend) Accept(_ context.Context, invite *voip.Invite, obs voip.Observer) (voip.Call, error) {
	b.mu.Lock()
	p, ok := b.pending[invite.CallID]
	if ok {
		delete(b.pending, invite.CallID)
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending invite for %s", invite.CallID)
	}

	body := buildSDP(b.cfg.MediaAddr, b.cfg.MediaPort, 1, DirectionSendRecv)
	resp := sip.NewResponseFromRequest(p.req, sip.StatusOK, "OK", body)
	resp.AppendHeader(&sip.ContactHeader{Address: b.localURI("callkit").Address})
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)

	localTag := generateTag()
	if to := resp.To(); to != nil {
		to.Params.Add("tag", localTag)
	}

	if err := p.tx.Respond(resp); err != nil {
		return nil, fmt.Errorf("respond 200: %w", err)
	}

	c := b.newCallFromInvite(invite.CallID, p.req, localTag, obs)

	b.mu.Lock()
	b.calls[invite.CallID] = c
	b.mu.Unlock()

	remoteAddr, remotePort := remoteEndpoint(p.req.Body())
	slog.Info("Invite accepted",
		"call_id", invite.CallID,
		"remote_media", fmt.Sprintf("%s:%d", remoteAddr, remotePort))

	go c.notify(voip.Update{CallID: invite.CallID, Kind: voip.UpdateConnected})
	return c, nil
}

// Reject declines a pending invite with 486 Busy Here.
func (b *Backend) Reject(_ context.Context, invite *voip.Invite) error {
	b.mu.Lock()
	p, ok := b.pending[invite.CallID]
	if ok {
		delete(b.pending, invite.CallID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending invite for %s", invite.CallID)
	}

	respond(p.req, p.tx, sip.StatusBusyHere, "Busy Here")
	slog.Info("Invite rejected", "call_id", invite.CallID)
	return nil
}

// Dial sends an INVITE and drives the response flow on a background
// goroutine. The dial outlives the caller's context; DialTimeout bounds
// it instead. The returned handle already carries its final call ID.
func (b *Backend) Dial(_ context.Context, opts voip.ConnectOptions, obs voip.Observer) (voip.Call, error) {
	callID := uuid.New().String()
	localTag := generateTag()

	invite, err := b.buildINVITE(callID, localTag, opts)
	if err != nil {
		return nil, err
	}

	c := &sipCall{
		backend:  b,
		id:       callID,
		obs:      obs,
		invite:   invite,
		localTag: localTag,
		cancel:   make(chan struct{}),
	}

	b.mu.Lock()
	b.calls[callID] = c
	b.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), b.cfg.DialTimeout)
	tx, err := b.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		cancel()
		b.removeCall(callID)
		return nil, fmt.Errorf("send INVITE: %w", err)
	}

	slog.Info("INVITE sent", "call_id", callID, "target", invite.Recipient.String())
	go func() {
		defer cancel()
		b.runDial(dialCtx, c, invite, tx)
	}()

	return c, nil
}

// runDial consumes the INVITE transaction until a final outcome.
func (b *Backend) runDial(ctx context.Context, c *sipCall, invite *sip.Request, tx sip.ClientTransaction) {
	for {
		select {
		case <-c.cancel:
			_ = b.sendCANCEL(invite)
			b.removeCall(c.id)
			c.notify(voip.Update{CallID: c.id, Kind: voip.UpdateDisconnected, Cause: "canceled"})
			return

		case <-ctx.Done():
			_ = b.sendCANCEL(invite)
			b.removeCall(c.id)
			c.notify(voip.Update{
				CallID: c.id,
				Kind:   voip.UpdateFailed,
				Cause:  "dial timeout",
				Err:    ctx.Err(),
			})
			return

		case resp := <-tx.Responses():
			if resp == nil {
				b.removeCall(c.id)
				c.notify(voip.Update{
					CallID: c.id,
					Kind:   voip.UpdateFailed,
					Cause:  "no response",
					Err:    fmt.Errorf("transaction closed without response"),
				})
				return
			}
			if done := b.handleDialResponse(c, invite, resp); done {
				return
			}

		case <-tx.Done():
			if !c.connected() {
				b.removeCall(c.id)
				c.notify(voip.Update{
					CallID: c.id,
					Kind:   voip.UpdateFailed,
					Cause:  "transaction terminated",
					Err:    fmt.Errorf("transaction terminated before final response"),
				})
			}
			return
		}
	}
}

// handleDialResponse processes one response. Returns true when the dial
// flow is finished.
func (b *Backend) handleDialResponse(c *sipCall, invite *sip.Request, resp *sip.Response) bool {
	status := int(resp.StatusCode)
	slog.Debug("Dial response", "call_id", c.id, "status", status, "reason", resp.Reason)

	switch {
	case status == 100:
		return false

	case status == 180 || status == 181 || status == 183:
		c.notify(voip.Update{CallID: c.id, Kind: voip.UpdateRinging})
		return false

	case status >= 200 && status < 300:
		c.adoptAnswer(invite, resp)
		if err := b.sendACK(invite, resp); err != nil {
			slog.Error("Failed to send ACK", "call_id", c.id, "error", err)
		}
		remoteAddr, remotePort := remoteEndpoint(resp.Body())
		slog.Info("Call answered",
			"call_id", c.id,
			"remote_media", fmt.Sprintf("%s:%d", remoteAddr, remotePort))
		c.notify(voip.Update{CallID: c.id, Kind: voip.UpdateConnected})
		return true

	case status >= 300:
		slog.Info("Call rejected", "call_id", c.id, "status", status, "reason", resp.Reason)
		b.removeCall(c.id)
		c.notify(voip.Update{
			CallID: c.id,
			Kind:   voip.UpdateFailed,
			Cause:  fmt.Sprintf("%d %s", status, resp.Reason),
		})
		return true
	}
	return false
}

// buildINVITE constructs the outbound INVITE with token and custom
// parameter headers attached.
func (b *Backend) buildINVITE(callID, localTag string, opts voip.ConnectOptions) (*sip.Request, error) {
	requestURI, err := parseTarget(opts.To, b.cfg.AdvertiseAddr, b.cfg.Port)
	if err != nil {
		return nil, err
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: b.localURI(opts.From).Address,
		Params:  fromParams,
	})

	invite.AppendHeader(&sip.ToHeader{
		Address: requestURI,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.INVITE,
	})

	invite.AppendHeader(&sip.ContactHeader{Address: b.localURI("callkit").Address})

	if opts.Token != "" {
		invite.AppendHeader(sip.NewHeader(tokenHeader, opts.Token))
	}
	for k, v := range opts.Params {
		invite.AppendHeader(sip.NewHeader(customParamPrefix+k, v))
	}

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(buildSDP(b.cfg.MediaAddr, b.cfg.MediaPort, 1, DirectionSendRecv))

	return invite, nil
}

// sendACK acknowledges a 2xx. The request URI comes from the response
// Contact, the destination from where the response arrived.
func (b *Backend) sendACK(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.ACK,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		destAddr = uriDestination(requestURI)
	}
	ack.SetDestination(destAddr)

	return b.client.WriteRequest(ack)
}

// sendCANCEL aborts an in-progress INVITE transaction.
func (b *Backend) sendCANCEL(invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := b.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

func (b *Backend) removeCall(callID string) {
	b.mu.Lock()
	delete(b.calls, callID)
	b.mu.Unlock()
}

func (b *Backend) localURI(user string) sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   user,
			Host:   b.cfg.AdvertiseAddr,
			Port:   b.cfg.Port,
		},
	}
}

// --- Helpers ---

func requestCallID(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return string(*id)
	}
	return ""
}

// customParams collects caller-defined parameters from prefixed headers.
func customParams(req *sip.Request) map[string]string {
	var params map[string]string
	for _, h := range req.Headers() {
		if !strings.HasPrefix(h.Name(), customParamPrefix) {
			continue
		}
		if h.Name() == tokenHeader {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[strings.TrimPrefix(h.Name(), customParamPrefix)] = h.Value()
	}
	return params
}

// parseTarget resolves a dial target into a request URI. Bare identities
// are addressed at the local SIP domain.
func parseTarget(target, host string, port int) (sip.Uri, error) {
	var uri sip.Uri
	if strings.Contains(target, "sip:") || strings.Contains(target, "@") {
		if err := sip.ParseUri(target, &uri); err != nil {
			return uri, fmt.Errorf("invalid target %q: %w", target, err)
		}
		return uri, nil
	}
	return sip.Uri{
		Scheme: "sip",
		User:   target,
		Host:   host,
		Port:   port,
	}, nil
}

func uriDestination(uri sip.Uri) string {
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return fmt.Sprintf("%s:%d", uri.Host, port)
}

func respond(req *sip.Request, tx sip.ServerTransaction, status sip.StatusCode, reason string) {
	resp := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("Error sending response", "status", int(status), "error", err)
	}
}

func generateTag() string {
	return uuid.New().String()[:8]
}
