package commissioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/backkem/matter/pkg/crypto"
	"github.com/backkem/matter/pkg/fabric"
	"github.com/backkem/matter/pkg/message"
	"github.com/backkem/matter/pkg/messenger"
	"github.com/backkem/matter/pkg/securechannel"
	casesession "github.com/backkem/matter/pkg/securechannel/case"
	"github.com/backkem/matter/pkg/session"
	"github.com/backkem/matter/pkg/transport"
	"github.com/pion/logging"

	"github.com/backkem/matter/pkg/exchange"
)

// DefaultCASETimeout is the default timeout for CASE establishment.
const DefaultCASETimeout = 30 * time.Second

// CASE protocol errors.
var (
	ErrCASETimeout  = errors.New("case: handshake timeout")
	ErrCASEProtocol = errors.New("case: protocol error")
	ErrCASECanceled = errors.New("case: handshake canceled")
)

// CASEClient establishes a CASE session as the initiator, the operational
// counterpart to PASEClient: it runs after commissioning, once the device
// is reachable on the operational network under the commissioner's own
// fabric.
//
// The CASE flow (initiator perspective):
//  1. Send Sigma1
//  2. Receive Sigma2 (or Sigma2Resume)
//  3. Send Sigma3
//  4. Receive StatusReport (success/failure)
type CASEClient struct {
	exchangeManager *exchange.Manager
	secureChannel   *securechannel.Manager
	sessionManager  *session.Manager
	timeout         time.Duration
	log             logging.LeveledLogger
}

// CASEClientConfig configures the CASEClient.
type CASEClientConfig struct {
	ExchangeManager *exchange.Manager
	SecureChannel   *securechannel.Manager
	SessionManager  *session.Manager
	Timeout         time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewCASEClient creates a new CASE client.
func NewCASEClient(config CASEClientConfig) *CASEClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultCASETimeout
	}

	c := &CASEClient{
		exchangeManager: config.ExchangeManager,
		secureChannel:   config.SecureChannel,
		sessionManager:  config.SessionManager,
		timeout:         timeout,
	}

	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("case")
	}

	return c
}

// Establish performs the CASE handshake and returns the established secure
// session. fabricInfo and operationalKey identify the commissioner's own
// operational identity on the fabric being used; targetNodeID is the
// peer's operational node ID. resumptionInfo, if non-nil, is offered to
// the peer for session resumption.
func (c *CASEClient) Establish(
	ctx context.Context,
	peerAddr transport.PeerAddress,
	fabricInfo *fabric.FabricInfo,
	operationalKey *crypto.P256KeyPair,
	targetNodeID uint64,
	resumptionInfo *casesession.ResumptionInfo,
) (*session.SecureContext, error) {
	if c.log != nil {
		c.log.Infof("starting CASE with %s", peerAddr.Addr)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	unsecuredSess, err := session.NewUnsecuredContext(session.SessionRoleInitiator)
	if err != nil {
		return nil, err
	}

	m, err := messenger.Open(c.exchangeManager, unsecuredSess, 0, peerAddr, message.ProtocolSecureChannel)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	exchangeID := m.Exchange().ID

	// Step 1: Start CASE - get Sigma1
	sigma1, err := c.secureChannel.StartCASE(exchangeID, fabricInfo, operationalKey, targetNodeID, resumptionInfo)
	if err != nil {
		return nil, err
	}

	if err := m.Send(uint8(securechannel.OpcodeCASESigma1), sigma1, true); err != nil {
		return nil, err
	}

	// Step 2: Wait for Sigma2/Sigma2Resume and get Sigma3
	sigma3Msg, err := c.nextRoutedMessage(ctx, m, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("step 2 wait: %w", err)
	}
	if sigma3Msg == nil {
		return nil, fmt.Errorf("step 2: sigma3Msg is nil")
	}

	if err := m.Send(uint8(sigma3Msg.Opcode), sigma3Msg.Payload, true); err != nil {
		return nil, fmt.Errorf("step 2 send: %w", err)
	}

	// Step 3: Wait for StatusReport (session complete)
	if _, err := c.nextRoutedMessage(ctx, m, exchangeID); err != nil {
		return nil, err
	}

	var secureCtx *session.SecureContext
	c.sessionManager.ForEachSecureSession(func(sess *session.SecureContext) bool {
		if sess.SessionType() == session.SessionTypeCASE && sess.PeerNodeID() == fabric.NodeID(targetNodeID) {
			secureCtx = sess
			return false
		}
		return true
	})

	if secureCtx == nil {
		return nil, ErrCASEProtocol
	}

	return secureCtx, nil
}

// nextRoutedMessage mirrors PASEClient.nextRoutedMessage: it blocks for the
// next message on m, skips opcodes the exchange layer already handles, and
// routes everything else through the secure channel state machine.
func (c *CASEClient) nextRoutedMessage(ctx context.Context, m *messenger.Messenger, exchangeID uint16) (*securechannel.Message, error) {
	for {
		msg, err := m.Next(ctx)
		if err != nil {
			if errors.Is(err, messenger.ErrReadTimeout) {
				return nil, ErrCASETimeout
			}
			if errors.Is(err, messenger.ErrClosed) {
				return nil, ErrCASECanceled
			}
			return nil, err
		}

		opcode := securechannel.Opcode(msg.Opcode)

		if opcode == securechannel.OpcodeStandaloneAck ||
			opcode == securechannel.OpcodeMsgCounterSyncReq ||
			opcode == securechannel.OpcodeMsgCounterSyncResp {
			continue
		}

		if opcode == securechannel.OpcodeStatusReport {
			status, err := securechannel.DecodeStatusReport(msg.Payload)
			if err != nil {
				return nil, err
			}
			if !status.IsSuccess() {
				return nil, ErrCASEProtocol
			}
			return nil, nil
		}

		return c.secureChannel.Route(exchangeID, &securechannel.Message{
			Opcode:  opcode,
			Payload: msg.Payload,
		})
	}
}
