package sipbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callkit/internal/callkit/voip"
)

const requestTimeout = 5 * time.Second

// sipCall is a live SIP dialog implementing voip.Call. In-dialog requests
// reuse the dialog identifiers captured when the call was answered.
type sipCall struct {
	backend *Backend
	id      string
	obs     voip.Observer

	// invite is the outbound INVITE, for CANCEL before answer. Nil for
	// inbound calls.
	invite   *sip.Request
	localTag string
	cancel   chan struct{}
	abort    sync.Once

	mu sync.Mutex
	// Dialog state, valid once answered.
	answered     bool
	remoteTarget sip.Uri
	localFrom    sip.Uri
	remoteTo     sip.Uri
	remoteTag    string
	cseq         uint32
	sdpVersion   uint64

	muted bool
	route voip.AudioRoute
}

var _ voip.Call = (*sipCall)(nil)

// newCallFromInvite builds the dialog handle for an accepted inbound
// INVITE. Our identity comes from the invite's To header, the remote tag
// from its From header.
func (b *Backend) newCallFromInvite(callID string, req *sip.Request, localTag string, obs voip.Observer) *sipCall {
	c := &sipCall{
		backend:    b,
		id:         callID,
		obs:        obs,
		localTag:   localTag,
		cancel:     make(chan struct{}),
		answered:   true,
		sdpVersion: 1,
	}

	if contact := req.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	if from := req.From(); from != nil {
		c.remoteTo = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
		if c.remoteTarget.Host == "" {
			c.remoteTarget = from.Address
		}
	}
	if to := req.To(); to != nil {
		c.localFrom = to.Address
	}
	return c
}

func (c *sipCall) ID() string {
	return c.id
}

func (c *sipCall) notify(u voip.Update) {
	if c.obs != nil {
		c.obs(u)
	}
}

func (c *sipCall) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// adoptAnswer captures dialog identifiers from the 2xx so later in-dialog
// requests route and match correctly.
func (c *sipCall) adoptAnswer(invite *sip.Request, resp *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.answered = true
	c.cseq = 1
	c.sdpVersion = 1

	c.remoteTarget = invite.Recipient
	if contact := resp.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	if from := invite.From(); from != nil {
		c.localFrom = from.Address
	}
	if to := resp.To(); to != nil {
		c.remoteTo = to.Address
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
}

// Hangup ends the call. A not-yet-answered outbound call is canceled; an
// answered dialog gets a BYE.
func (c *sipCall) Hangup(_ context.Context) error {
	if !c.connected() {
		if c.invite != nil {
			// Outbound still in the INVITE transaction; the dial loop sends
			// the CANCEL and reports the outcome.
			c.abort.Do(func() { close(c.cancel) })
			return nil
		}
		return fmt.Errorf("call %s not established", c.id)
	}

	bye, err := c.newInDialogRequest(sip.BYE, nil, "")
	if err != nil {
		return err
	}
	if err := c.sendInDialog(bye); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}

	c.backend.removeCall(c.id)
	slog.Info("BYE sent", "call_id", c.id)
	c.notify(voip.Update{CallID: c.id, Kind: voip.UpdateDisconnected, Cause: "local hangup"})
	return nil
}

// SendDigits emits one dtmf-relay INFO per digit.
func (c *sipCall) SendDigits(_ context.Context, digits string) error {
	if !c.connected() {
		return fmt.Errorf("call %s not established", c.id)
	}
	for _, d := range digits {
		body := []byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", d))
		info, err := c.newInDialogRequest(sip.INFO, body, "application/dtmf-relay")
		if err != nil {
			return err
		}
		if err := c.sendInDialog(info); err != nil {
			return fmt.Errorf("send INFO: %w", err)
		}
	}
	slog.Debug("Digits sent", "call_id", c.id, "count", len(digits))
	return nil
}

// SetMuted only flips the local capture flag. The media plane runs out of
// process, so no signaling is needed.
func (c *sipCall) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	slog.Debug("Mute changed", "call_id", c.id, "muted", muted)
	return nil
}

// SetHold renegotiates the stream direction with a re-INVITE. Holding
// advertises sendonly, resuming restores sendrecv.
func (c *sipCall) SetHold(_ context.Context, hold bool) error {
	if !c.connected() {
		return fmt.Errorf("call %s not established", c.id)
	}

	direction := DirectionSendRecv
	if hold {
		direction = DirectionSendOnly
	}

	c.mu.Lock()
	c.sdpVersion++
	version := c.sdpVersion
	c.mu.Unlock()

	body := buildSDP(c.backend.cfg.MediaAddr, c.backend.cfg.MediaPort, version, direction)
	reinvite, err := c.newInDialogRequest(sip.INVITE, body, "application/sdp")
	if err != nil {
		return err
	}

	resp, err := c.awaitFinal(reinvite)
	if err != nil {
		return fmt.Errorf("hold re-INVITE: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hold re-INVITE rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	if err := c.ackInDialog(reinvite, resp); err != nil {
		slog.Warn("re-INVITE ACK failed", "call_id", c.id, "error", err)
	}
	slog.Info("Hold renegotiated", "call_id", c.id, "direction", direction)
	return nil
}

// SetAudioRoute records the requested output path. Routing is a local
// audio concern with no dialog signaling.
func (c *sipCall) SetAudioRoute(route voip.AudioRoute) error {
	c.mu.Lock()
	c.route = route
	c.mu.Unlock()
	slog.Debug("Audio route changed", "call_id", c.id, "route", route.String())
	return nil
}

// newInDialogRequest builds a request addressed to the dialog's remote
// target with the next CSeq.
func (c *sipCall) newInDialogRequest(method sip.RequestMethod, body []byte, contentType string) (*sip.Request, error) {
	c.mu.Lock()
	if c.remoteTarget.Host == "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("no remote target for %s", c.id)
	}
	c.cseq++
	seq := c.cseq
	target := c.remoteTarget
	localFrom := c.localFrom
	remoteTo := c.remoteTo
	remoteTag := c.remoteTag
	c.mu.Unlock()

	req := sip.NewRequest(method, target)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	req.AppendHeader(&sip.FromHeader{
		Address: localFrom,
		Params:  fromParams,
	})

	toParams := sip.NewParams()
	if remoteTag != "" {
		toParams.Add("tag", remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{
		Address: remoteTo,
		Params:  toParams,
	})

	callIDHdr := sip.CallIDHeader(c.id)
	req.AppendHeader(&callIDHdr)

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      seq,
		MethodName: method,
	})

	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}

	req.SetDestination(uriDestination(target))
	return req, nil
}

// sendInDialog fires the request and drains the transaction without
// inspecting the final status.
func (c *sipCall) sendInDialog(req *sip.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	tx, err := c.backend.client.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("In-dialog response",
				"call_id", c.id,
				"method", string(req.Method),
				"status", int(resp.StatusCode))
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("In-dialog request timed out",
			"call_id", c.id,
			"method", string(req.Method))
	}
	return nil
}

// awaitFinal sends the request and waits for a final response.
func (c *sipCall) awaitFinal(req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	tx, err := c.backend.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction closed without response")
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated before final response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ackInDialog acknowledges a re-INVITE 2xx with the same CSeq number.
func (c *sipCall) ackInDialog(reinvite *sip.Request, resp *sip.Response) error {
	requestURI := reinvite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", reinvite, ack)
	sip.CopyHeaders("To", reinvite, ack)
	sip.CopyHeaders("Call-ID", reinvite, ack)
	if cseq := reinvite.CSeq(); cseq != nil {
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

	return c.backend.client.WriteRequest(ack)
}
