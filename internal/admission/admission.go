// Package admission implements the twelve-step payment admission pipeline
// that drives a single POST /mint request from raw body to settled
// response (spec §4.6). It is the orchestration layer: every other
// component (deadline cache, abuse detector, capacity manager, coalescer,
// facilitator) is an explicit injected dependency.
package admission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-redsync/redsync/v4"

	"github.com/xbsc-402/x402-backend/internal/abuse"
	"github.com/xbsc-402/x402-backend/internal/capacity"
	"github.com/xbsc-402/x402-backend/internal/coalescer"
	"github.com/xbsc-402/x402-backend/internal/deadline"
	"github.com/xbsc-402/x402-backend/internal/facilitator"
	"github.com/xbsc-402/x402-backend/internal/gwerr"
)

// MintRequest is the decoded POST /mint request body.
type MintRequest struct {
	TokenAddress string   `json:"tokenAddress"`
	Recipients   []string `json:"recipients"`
}

// MintResponse is the successful POST /mint response body.
type MintResponse struct {
	Success       bool     `json:"success"`
	PaymentTxHash string   `json:"paymentTxHash"`
	Recipients    []string `json:"recipients"`
	Message       string   `json:"message"`
}

// Challenge is the JSON body of a 402 payment-required response.
type Challenge struct {
	Price              string `json:"price"`
	Amount             string `json:"amount"`
	PayTo              string `json:"payTo"`
	Token              string `json:"token"`
	TokenName          string `json:"tokenName"`
	TokenVersion       string `json:"tokenVersion"`
	Network            string `json:"network"`
}

// PaymentOptionsHeader encodes a Challenge into the X-Payment-Options
// header value, spec §4.6 step 4.
func (c Challenge) PaymentOptionsHeader() string {
	return fmt.Sprintf(`scheme="exact", network=%q, token=%q, payee=%q, amount=%q`,
		c.Network, c.Token, c.PayTo, c.Amount)
}

// Config is the set of values the pipeline needs per-request that don't
// change between requests (pricing, network, timeouts).
type Config struct {
	Network            string
	AssetAddress       string
	AssetName          string
	AssetDomainVersion string
	AmountMinorUnits   string
	MaxTimeoutSeconds  int

	VerifyTimeout  time.Duration
	SettleTimeout  time.Duration

	AbuseRateLimitMax  int64
	ExpiredTokenAbuseMax int64
}

// Pipeline wires every component the admission state machine calls.
type Pipeline struct {
	cfg         Config
	deadlines   *deadline.Cache
	abuseDet    *abuse.Detector
	capacityMgr *capacity.Manager
	facilitator *facilitator.Client
	coalescer   *coalescer.Coalescer
	locker      *redsync.Redsync
}

// New constructs a Pipeline.
func New(cfg Config, deadlines *deadline.Cache, abuseDet *abuse.Detector, capacityMgr *capacity.Manager, fc *facilitator.Client, co *coalescer.Coalescer, locker *redsync.Redsync) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		deadlines:   deadlines,
		abuseDet:    abuseDet,
		capacityMgr: capacityMgr,
		facilitator: fc,
		coalescer:   co,
		locker:      locker,
	}
}

// Outcome is the terminal result of one admission attempt: exactly one of
// Response (success) or Err (a *gwerr.Error with its own HTTP status) is
// set, plus optional headers to copy onto the HTTP response.
type Outcome struct {
	Response *MintResponse
	Challenge *Challenge
	Headers   map[string]string
	Err       *gwerr.Error
}

// Handle runs one request through the full state machine:
// Admitted -> Verified -> RateLimited -> CapacityChecked ->
// CapacityReserved -> Settled -> Released -> Done.
func (p *Pipeline) Handle(ctx context.Context, req MintRequest, clientIP string, paymentHeader string, skipRateLimit bool) Outcome {
	// 1. Parse & validate.
	req.TokenAddress = strings.TrimSpace(req.TokenAddress)
	if req.TokenAddress == "" || len(req.Recipients) < 1 || len(req.Recipients) > 100 {
		return Outcome{Err: gwerr.New(gwerr.KindMalformedRequest, "tokenAddress must be set and recipients must contain 1-100 entries")}
	}
	token := strings.ToLower(req.TokenAddress)

	// 3. Deadline check.
	expired, err := p.deadlines.IsExpired(ctx, token)
	if err != nil {
		return Outcome{Err: gwerr.Wrap(gwerr.KindDependencyUnavailable, "deadline read failed", err)}
	}
	if expired {
		dec, _ := p.abuseDet.RecordRequest(ctx, "ip:"+clientIP+":expired")
		if !dec.Allowed {
			return Outcome{Err: gwerr.New(gwerr.KindTokenExpired, "Token deployment period has ended")}
		}
		dl, _ := p.deadlines.Deadline(ctx, token)
		remaining := time.Until(time.Unix(dl, 0))
		return Outcome{Err: gwerr.WithReason(gwerr.KindTokenExpired, "Token deployment period has ended", fmt.Sprintf("expired %s ago", (-remaining).Round(time.Second)))}
	}

	// 4. Challenge or proceed.
	if paymentHeader == "" {
		ch := p.buildChallenge(req.TokenAddress)
		return Outcome{
			Challenge: &ch,
			Headers:   map[string]string{"X-Payment-Options": ch.PaymentOptionsHeader()},
			Err:       gwerr.New(gwerr.KindPaymentChallengeIssued, "payment required"),
		}
	}

	// 5. Decode header.
	authBytes, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return Outcome{Err: gwerr.Wrap(gwerr.KindMalformedRequest, "malformed X-Payment header", err)}
	}

	// Serialize everything from here on across replicas keyed on the
	// authorization payload itself, so the same signed authorization
	// arriving twice (client retry racing itself) can't double-verify or
	// double-reserve before the first attempt's outcome is known.
	mutex := p.locker.NewMutex(
		"admission:"+executionKey(authBytes),
		redsync.WithExpiry(p.cfg.VerifyTimeout+p.cfg.SettleTimeout),
	)
	if lockErr := mutex.LockContext(ctx); lockErr != nil {
		return Outcome{Err: gwerr.Wrap(gwerr.KindDependencyUnavailable, "could not acquire settlement lock", lockErr)}
	}
	defer mutex.UnlockContext(ctx)

	ip := "ip:" + clientIP

	// 6. Verify.
	verifyCtx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	verifyResp, verifyErr := p.facilitator.Verify(verifyCtx, authBytes, p.challengeRequirements(req.TokenAddress))
	cancel()
	if verifyErr != nil {
		p.abuseDet.RecordRequest(ctx, ip)
		if fErr, ok := verifyErr.(*facilitator.Error); ok && fErr.Reason == "mempool_capacity_exceeded" {
			return Outcome{Err: gwerr.WithReason(gwerr.KindPaymentInvalid, "settlement refused", fErr.Reason)}
		}
		return Outcome{Err: gwerr.Wrap(gwerr.KindFacilitatorTransport, "payment verification transport failure", verifyErr)}
	}
	if !verifyResp.IsValid {
		p.abuseDet.RecordRequest(ctx, ip)
		return Outcome{Err: gwerr.WithReason(gwerr.KindPaymentInvalid, "payment verification failed", verifyResp.Reason)}
	}

	// 7. Rate-limit valid payments.
	if !skipRateLimit {
		dec, _ := p.abuseDet.RecordRequest(ctx, ip)
		if !dec.Allowed {
			return Outcome{Err: gwerr.New(gwerr.KindRateLimited, "too many payments from this address")}
		}
	}

	n := int64(len(req.Recipients))

	// 8. Capacity check.
	_, err = p.capacityMgr.CheckCapacity(ctx, token, n)
	if err != nil {
		if err == capacity.ErrCapacityExceeded {
			return Outcome{Err: gwerr.New(gwerr.KindCapacityExceeded, "Mint capacity exceeded")}
		}
		return Outcome{Err: gwerr.Wrap(gwerr.KindCapacityCheckFailed, "capacity check failed", err)}
	}

	// 9. Capacity reserve. Every failure path from here on releases n.
	if err := p.capacityMgr.ReserveCapacity(ctx, token, n); err != nil {
		return Outcome{Err: gwerr.Wrap(gwerr.KindCapacityCheckFailed, "capacity reservation failed", err)}
	}

	release := func() {
		if relErr := p.capacityMgr.ReleaseCapacity(ctx, token, n); relErr != nil {
			_ = relErr // discarded: the pending key's safety TTL bounds the drift a failed release leaves behind
		}
	}

	// 10. Settle via coalescer.
	settleCtx, settleCancel := context.WithTimeout(ctx, p.cfg.SettleTimeout)
	requestID, idErr := p.coalescer.NextRequestID()
	if idErr != nil {
		settleCancel()
		release()
		return Outcome{Err: gwerr.Wrap(gwerr.KindInternal, "failed to mint a settlement request id", idErr)}
	}
	settleRes, settleErr := p.coalescer.Enqueue(settleCtx, requestID, authBytes, p.challengeRequirements(req.TokenAddress))
	settleCancel()

	if settleErr != nil {
		release()
		return Outcome{Err: gwerr.Wrap(gwerr.KindCoalescerTimeout, "settlement timed out", settleErr)}
	}
	if settleRes.Err != nil || !settleRes.Success || settleRes.Transaction == "" {
		release()
		switch settleRes.Reason {
		case "mempool_capacity_exceeded":
			return Outcome{Err: gwerr.WithReason(gwerr.KindPaymentInvalid, "settlement refused", settleRes.Reason)}
		case "chain_query_failed":
			return Outcome{Err: gwerr.WithReason(gwerr.KindDependencyUnavailable, "settlement dependency unavailable", settleRes.Reason)}
		default:
			return Outcome{Err: gwerr.WithReason(gwerr.KindInternal, "settlement failed", settleRes.Reason)}
		}
	}

	// 11. Release after settlement succeeds.
	release()

	// 12. Respond.
	return Outcome{
		Response: &MintResponse{
			Success:       true,
			PaymentTxHash: settleRes.Transaction,
			Recipients:    req.Recipients,
			Message:       "mint settled",
		},
		Headers: map[string]string{"X-Payment-Response": settleRes.Transaction},
	}
}

func (p *Pipeline) buildChallenge(tokenAddress string) Challenge {
	return Challenge{
		Price:        p.cfg.AmountMinorUnits,
		Amount:       p.cfg.AmountMinorUnits,
		PayTo:        tokenAddress,
		Token:        p.cfg.AssetAddress,
		TokenName:    p.cfg.AssetName,
		TokenVersion: p.cfg.AssetDomainVersion,
		Network:      p.cfg.Network,
	}
}

func (p *Pipeline) challengeRequirements(tokenAddress string) facilitator.PaymentRequirements {
	return facilitator.PaymentRequirements{
		Scheme:            "exact",
		Network:           p.cfg.Network,
		Amount:            p.cfg.AmountMinorUnits,
		MaxAmountRequired: p.cfg.AmountMinorUnits,
		Asset:             p.cfg.AssetAddress,
		PayTo:             tokenAddress,
	}
}

// WhitelistGate implements step 2: the optional hidden-endpoint whitelist
// check.
func (p *Pipeline) WhitelistGate(ctx context.Context, clientIP string) (*gwerr.Error, error) {
	ok, err := p.abuseDet.IsWhitelisted(ctx, "ip:"+clientIP)
	if err != nil {
		return nil, err
	}
	if !ok {
		return gwerr.New(gwerr.KindUnauthorized, "forbidden"), nil
	}
	return nil, nil
}

// executionKey derives the lock key from an xxhash of the whole decoded
// authorization payload (not of its nonce field alone), generalizing
// dir2mcp's in-process keyMutex to a cross-replica redsync lock over the
// same signed payload.
func executionKey(authorization []byte) string {
	return fmt.Sprintf("%x", xxhash.Sum64(authorization))
}

// DecodeMintRequest parses and validates the POST /mint JSON body shape
// ahead of Handle's own structural check.
func DecodeMintRequest(body []byte) (MintRequest, error) {
	var req MintRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return MintRequest{}, err
	}
	return req, nil
}
