package commissioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/backkem/matter/pkg/message"
	"github.com/backkem/matter/pkg/messenger"
	"github.com/backkem/matter/pkg/securechannel"
	"github.com/backkem/matter/pkg/session"
	"github.com/backkem/matter/pkg/transport"
	"github.com/pion/logging"

	"github.com/backkem/matter/pkg/exchange"
)

// PASE protocol errors.
var (
	ErrPASETimeout       = errors.New("pase: handshake timeout")
	ErrPASEProtocol      = errors.New("pase: protocol error")
	ErrPASEUnexpectedMsg = errors.New("pase: unexpected message")
	ErrPASECanceled      = errors.New("pase: handshake canceled")
)

// PASEClient handles PASE session establishment as the initiator.
//
// The PASE flow (initiator perspective):
//  1. Send PBKDFParamRequest
//  2. Receive PBKDFParamResponse
//  3. Send Pake1
//  4. Receive Pake2
//  5. Send Pake3
//  6. Receive StatusReport (success/failure)
//
// This client orchestrates the exchange manager and secure channel manager
// to complete the handshake.
type PASEClient struct {
	exchangeManager *exchange.Manager
	secureChannel   *securechannel.Manager
	sessionManager  *session.Manager
	timeout         time.Duration
	log             logging.LeveledLogger
}

// PASEClientConfig configures the PASEClient.
type PASEClientConfig struct {
	ExchangeManager *exchange.Manager
	SecureChannel   *securechannel.Manager
	SessionManager  *session.Manager
	Timeout         time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewPASEClient creates a new PASE client.
func NewPASEClient(config PASEClientConfig) *PASEClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultPASETimeout
	}

	c := &PASEClient{
		exchangeManager: config.ExchangeManager,
		secureChannel:   config.SecureChannel,
		sessionManager:  config.SessionManager,
		timeout:         timeout,
	}

	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("pase")
	}

	return c
}

// Establish performs the PASE handshake and returns the established secure session.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - peerAddr: Device network address
//   - passcode: Setup passcode from the device
//
// Returns the secure session context on success.
func (c *PASEClient) Establish(
	ctx context.Context,
	peerAddr transport.PeerAddress,
	passcode uint32,
) (*session.SecureContext, error) {
	if c.log != nil {
		c.log.Infof("starting PASE with %s", peerAddr.Addr)
	}

	// Apply timeout
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// Create unsecured session context for PASE handshake
	unsecuredSess, err := session.NewUnsecuredContext(session.SessionRoleInitiator)
	if err != nil {
		return nil, err
	}

	// Open a Messenger over a fresh exchange (session ID 0 for unsecured)
	m, err := messenger.Open(c.exchangeManager, unsecuredSess, 0, peerAddr, message.ProtocolSecureChannel)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	// Track the exchange ID for the secure channel manager
	exchangeID := m.Exchange().ID

	// Step 1: Start PASE - get PBKDFParamRequest
	pbkdfReq, err := c.secureChannel.StartPASE(exchangeID, passcode)
	if err != nil {
		return nil, err
	}

	// Send PBKDFParamRequest
	if err := m.Send(uint8(securechannel.OpcodePBKDFParamRequest), pbkdfReq, true); err != nil {
		return nil, err
	}

	// Step 2: Wait for PBKDFParamResponse and get Pake1
	pake1Msg, err := c.nextRoutedMessage(ctx, m, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("step 2 wait: %w", err)
	}
	if pake1Msg == nil {
		return nil, fmt.Errorf("step 2: pake1Msg is nil")
	}

	// Send Pake1
	if err := m.Send(uint8(pake1Msg.Opcode), pake1Msg.Payload, true); err != nil {
		return nil, fmt.Errorf("step 2 send: %w", err)
	}

	// Step 3: Wait for Pake2 and get Pake3
	pake3Msg, err := c.nextRoutedMessage(ctx, m, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("step 3 wait: %w", err)
	}
	if pake3Msg == nil {
		return nil, fmt.Errorf("step 3: pake3Msg is nil")
	}

	// Send Pake3
	if err := m.Send(uint8(pake3Msg.Opcode), pake3Msg.Payload, true); err != nil {
		return nil, err
	}

	// Step 4: Wait for StatusReport (session complete)
	if _, err := c.nextRoutedMessage(ctx, m, exchangeID); err != nil {
		return nil, err
	}

	// Find the established PASE session from the session manager.
	// The secure channel manager creates the session when processing StatusReport
	// and notifies via callback, but we need to get the actual session object.
	var secureCtx *session.SecureContext
	c.sessionManager.ForEachSecureSession(func(sess *session.SecureContext) bool {
		if sess.SessionType() == session.SessionTypePASE {
			secureCtx = sess
			return false // Stop iteration
		}
		return true // Continue
	})

	if secureCtx == nil {
		return nil, ErrPASEProtocol
	}

	return secureCtx, nil
}

// nextRoutedMessage blocks for the next message on m, skips the
// acknowledgement opcodes the exchange layer already handles, and routes
// everything else through the secure channel state machine. It returns the
// next message the state machine wants sent, or (nil, nil) once a
// successful StatusReport closes out the handshake.
func (c *PASEClient) nextRoutedMessage(ctx context.Context, m *messenger.Messenger, exchangeID uint16) (*securechannel.Message, error) {
	for {
		msg, err := m.Next(ctx)
		if err != nil {
			if errors.Is(err, messenger.ErrReadTimeout) {
				return nil, ErrPASETimeout
			}
			if errors.Is(err, messenger.ErrClosed) {
				return nil, ErrPASECanceled
			}
			return nil, err
		}

		opcode := securechannel.Opcode(msg.Opcode)

		// Skip acknowledgement messages - they're handled by the exchange layer
		// and should not affect the PASE state machine
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
				return nil, ErrPASEProtocol
			}
			return nil, nil
		}

		return c.secureChannel.Route(exchangeID, &securechannel.Message{
			Opcode:  opcode,
			Payload: msg.Payload,
		})
	}
}
