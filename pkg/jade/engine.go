// Package jade drives a Blockstream Jade hardware signer over an abstract
// message transport. An Engine owns the session with one device: it unlocks
// it, registers multisig setups and signs PSETs one request at a time.
package jade

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tohrxyz/lwk/pkg/analyzer"
	"github.com/tohrxyz/lwk/pkg/descriptor"
	"github.com/tohrxyz/lwk/pkg/signer"
	"github.com/tohrxyz/lwk/pkg/stats"
	"github.com/vulpemventures/go-elements/network"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultMaxPinAttempts = 3
	DefaultUnlockTimeout  = 2 * time.Minute
	DefaultRequestTimeout = 10 * time.Second

	cancelTimeout = 2 * time.Second
)

// EngineOpts ...
type EngineOpts struct {
	Network   *network.Network
	PinServer PinServer
	// MaxAttempts bounds the number of times a message is sent after
	// transient transport faults.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxPinAttempts is the number of consecutive wrong PINs after which the
	// device wipes its keys.
	MaxPinAttempts int
	UnlockTimeout  time.Duration
	// RequestTimeout applies to requests that don't wait for the user.
	RequestTimeout time.Duration
}

func (o *EngineOpts) withDefaults() EngineOpts {
	opts := *o
	if opts.Network == nil {
		opts.Network = &network.Liquid
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxPinAttempts <= 0 {
		opts.MaxPinAttempts = DefaultMaxPinAttempts
	}
	if opts.UnlockTimeout <= 0 {
		opts.UnlockTimeout = DefaultUnlockTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return opts
}

// Engine is the session with a single device. It is safe for concurrent
// use: requests to the device are serialized so that at most one is in
// flight at any time.
type Engine struct {
	transport Transport
	opts      EngineOpts

	// session is held for the whole duration of any device interaction.
	// It is a semaphore so that waiting callers can give up on their ctx.
	session chan struct{}

	lock         *sync.RWMutex
	state        State
	signingInput int
	failedPins   int
	version      *VersionInfo
	identity     *descriptor.SignerIdentity
	registered   map[string]*MultisigDescriptor
}

var _ signer.Signer = (*Engine)(nil)

// NewEngine returns a disconnected engine for the device reachable through
// the given transport.
func NewEngine(transport Transport, opts EngineOpts) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport must not be null")
	}
	return &Engine{
		transport:    transport,
		opts:         opts.withDefaults(),
		session:      make(chan struct{}, 1),
		lock:         &sync.RWMutex{},
		state:        Disconnected,
		signingInput: -1,
		registered:   make(map[string]*MultisigDescriptor),
	}, nil
}

// State returns the current session state.
func (e *Engine) State() State {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.state
}

// SigningInput returns the index of the input being signed, or -1 if the
// engine is not signing.
func (e *Engine) SigningInput() int {
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.state != Signing {
		return -1
	}
	return e.signingInput
}

// Version returns the version info read at connection time.
func (e *Engine) Version() *VersionInfo {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.version
}

// Identity returns the identity of the device. The fingerprint is known
// only once the engine is ready.
func (e *Engine) Identity() descriptor.SignerIdentity {
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.identity == nil {
		return descriptor.SignerIdentity{
			Path:       descriptor.DerivationPath{},
			Capability: descriptor.CapabilityHardware,
		}
	}
	return *e.identity
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.session <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.session
}

func (e *Engine) setState(state State) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.state != state {
		log.Debugf("jade: %s -> %s", e.state, state)
	}
	e.state = state
	if state != Signing {
		e.signingInput = -1
	}
}

func (e *Engine) setSigning(index int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.state = Signing
	e.signingInput = index
}

// Connect opens the session with the device. It is also used to recover
// from the Error state.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if e.State() == LockedOut {
		return &AuthError{Kind: ErrLockedOut}
	}
	return e.connect(ctx)
}

func (e *Engine) connect(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	info := &VersionInfo{}
	if err := e.call(rctx, MethodGetVersionInfo, nil, info, true); err != nil {
		if errors.Is(err, ErrDeviceUnreachable) {
			e.setState(Error)
		}
		return err
	}

	e.lock.Lock()
	e.version = info
	e.identity = nil
	e.registered = make(map[string]*MultisigDescriptor)
	e.lock.Unlock()
	e.setState(Locked)

	log.Infof("jade: connected to device running firmware %s", info.JadeVersion)
	return nil
}

// Disconnect closes the transport.
func (e *Engine) Disconnect() error {
	e.session <- struct{}{}
	defer e.release()

	if e.State() != LockedOut {
		e.setState(Disconnected)
	}
	return e.transport.Close()
}

// Unlock authenticates the user with the given PIN, connecting first if the
// engine is disconnected. The PIN is never sent again by the engine: wrong PINs are returned to the caller, which decides
// whether to prompt again. After MaxPinAttempts consecutive wrong PINs the
// engine is locked out and fails without contacting the device.
func (e *Engine) Unlock(ctx context.Context, pin string) error {
	if e.State() == LockedOut {
		return &AuthError{Kind: ErrLockedOut}
	}

	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	switch e.State() {
	case LockedOut:
		return &AuthError{Kind: ErrLockedOut}
	case Unlocked, Ready:
		return nil
	case Disconnected:
		if err := e.connect(ctx); err != nil {
			return err
		}
	case Locked:
	default:
		return fmt.Errorf("%w: unlock in state %s", ErrInvalidState, e.State())
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.UnlockTimeout)
	defer cancel()

	ok, err := e.authenticate(ctx, pin)
	if err != nil {
		if isTimeout(err) {
			log.WithError(err).Warn("jade: unlock timed out")
			return &AuthError{Kind: ErrTimeout, Err: err}
		}
		return err
	}

	if !ok {
		e.lock.Lock()
		e.failedPins++
		remaining := e.opts.MaxPinAttempts - e.failedPins
		e.lock.Unlock()

		if remaining <= 0 {
			log.Warn("jade: too many wrong pins, device is locked out")
			e.setState(LockedOut)
			return &AuthError{Kind: ErrLockedOut}
		}
		return &AuthError{Kind: ErrWrongPin, RemainingAttempts: remaining}
	}

	e.lock.Lock()
	e.failedPins = 0
	e.lock.Unlock()
	e.setState(Unlocked)
	return nil
}

func (e *Engine) authenticate(ctx context.Context, pin string) (bool, error) {
	var reply cbor.RawMessage
	params := authUserParams{
		Network: networkName(e.opts.Network),
		Epoch:   time.Now().Unix(),
	}
	if err := e.call(ctx, MethodAuthUser, params, &reply, false); err != nil {
		return false, err
	}

	// The device is already unlocked.
	var unlocked bool
	if err := Unmarshal(reply, &unlocked); err == nil {
		return unlocked, nil
	}

	authReply := &authUserReply{}
	if err := Unmarshal(reply, authReply); err != nil || authReply.HTTPRequest == nil {
		return false, fmt.Errorf("unexpected auth_user reply")
	}
	if e.opts.PinServer == nil {
		return false, ErrMissingPinServer
	}

	data, err := e.opts.PinServer.Exchange(ctx, authReply.HTTPRequest.Params)
	if err != nil {
		return false, err
	}

	method := authReply.HTTPRequest.OnReply
	if method == "" {
		method = MethodPin
	}
	if err := e.call(
		ctx, method, PinParams{Pin: pin, Data: data}, &unlocked, false,
	); err != nil {
		return false, err
	}
	return unlocked, nil
}

// LoadIdentity fetches the master fingerprint of the device, moving the
// engine from Unlocked to Ready.
func (e *Engine) LoadIdentity(ctx context.Context) (descriptor.SignerIdentity, error) {
	if err := e.acquire(ctx); err != nil {
		return descriptor.SignerIdentity{}, err
	}
	defer e.release()
	return e.loadIdentity(ctx)
}

func (e *Engine) loadIdentity(ctx context.Context) (descriptor.SignerIdentity, error) {
	switch e.State() {
	case Ready:
		return e.Identity(), nil
	case Unlocked:
	default:
		return descriptor.SignerIdentity{}, fmt.Errorf(
			"%w: device must be unlocked, state is %s", ErrInvalidState, e.State(),
		)
	}

	xpub, err := e.getXpub(ctx, descriptor.DerivationPath{})
	if err != nil {
		return descriptor.SignerIdentity{}, err
	}
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return descriptor.SignerIdentity{}, fmt.Errorf("invalid master xpub: %w", err)
	}
	pubkey, err := key.ECPubKey()
	if err != nil {
		return descriptor.SignerIdentity{}, err
	}

	identity := descriptor.SignerIdentity{
		Fingerprint: descriptor.FingerprintFromPubKey(pubkey),
		Path:        descriptor.DerivationPath{},
		Capability:  descriptor.CapabilityHardware,
	}
	e.lock.Lock()
	e.identity = &identity
	e.lock.Unlock()
	e.setState(Ready)

	log.Infof("jade: device %s ready", identity.Fingerprint)
	return identity, nil
}

// GetXpub returns the extended public key at the given path.
func (e *Engine) GetXpub(ctx context.Context, path descriptor.DerivationPath) (string, error) {
	if err := e.acquire(ctx); err != nil {
		return "", err
	}
	defer e.release()

	if state := e.State(); state != Unlocked && state != Ready {
		return "", fmt.Errorf(
			"%w: device must be unlocked, state is %s", ErrInvalidState, state,
		)
	}
	return e.getXpub(ctx, path)
}

func (e *Engine) getXpub(ctx context.Context, path descriptor.DerivationPath) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	var xpub string
	params := GetXpubParams{
		Network: networkName(e.opts.Network),
		Path:    append([]uint32{}, path...),
	}
	if err := e.call(ctx, MethodGetXpub, params, &xpub, true); err != nil {
		e.failOnUnreachable(err)
		return "", err
	}
	return xpub, nil
}

// RegisterMultisig registers the multisig setup of the descriptor on the
// device under the given name. Registering the very same setup again is a
// no-op, while a different setup under an already used name fails with
// ErrPolicyConflict.
func (e *Engine) RegisterMultisig(
	ctx context.Context, name string, desc *descriptor.Descriptor,
) error {
	if name == "" {
		return ErrMissingPolicyName
	}
	multisig, err := multisigDescriptor(desc)
	if err != nil {
		return err
	}

	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	identity, err := e.loadIdentity(ctx)
	if err != nil {
		return err
	}
	if _, ok := desc.Policy().SignerByFingerprint(identity.Fingerprint); !ok {
		return signer.ErrKeyNotFound
	}

	e.lock.RLock()
	registered := e.registered[name]
	e.lock.RUnlock()

	if registered == nil {
		rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		err := e.call(
			rctx, MethodGetRegisteredMultisig,
			GetRegisteredMultisigParams{MultisigName: name}, &registered, true,
		)
		cancel()
		if err != nil {
			e.failOnUnreachable(err)
			return err
		}
	}

	if registered != nil {
		if !registered.Equal(multisig) {
			return fmt.Errorf("%w: %s", ErrPolicyConflict, name)
		}
		e.cacheMultisig(name, registered)
		return nil
	}

	var ok bool
	params := RegisterMultisigParams{
		Network:      networkName(e.opts.Network),
		MultisigName: name,
		Descriptor:   *multisig,
	}
	if err := e.call(ctx, MethodRegisterMultisig, params, &ok, true); err != nil {
		e.failOnUnreachable(err)
		return err
	}
	if !ok {
		return ErrRejected
	}

	e.cacheMultisig(name, multisig)
	log.Infof("jade: registered multisig %s", name)
	return nil
}

func (e *Engine) cacheMultisig(name string, multisig *MultisigDescriptor) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.registered[name] = multisig
}

type inputToSign struct {
	req    InputRequest
	pubkey []byte
	hash   [32]byte
}

type partialSig struct {
	index  int
	pubkey []byte
	sig    []byte
}

// Sign returns a copy of the PSET with the signatures of the device. The
// inputs are sent to the device one after the other and signatures are
// applied only once all of them went through: on failure or cancellation
// nothing is signed. Multisig inputs require the policy to be registered
// with RegisterMultisig under dc.PolicyName.
func (e *Engine) Sign(
	ctx context.Context, p *psetv2.Pset, dc signer.DerivationContext,
) (*psetv2.Pset, error) {
	return e.sign(ctx, p, dc, -1)
}

// SignInput is like Sign but only the input at the given index gets signed.
// Concurrent calls on the same handle are served one at a time.
func (e *Engine) SignInput(
	ctx context.Context, p *psetv2.Pset, index int, dc signer.DerivationContext,
) (*psetv2.Pset, error) {
	if index < 0 || index >= len(p.Inputs) {
		return nil, fmt.Errorf("%w: input %d out of range", signer.ErrInvalidPset, index)
	}
	return e.sign(ctx, p, dc, index)
}

// sign drives a signing session, only >= 0 restricts it to a single input.
func (e *Engine) sign(
	ctx context.Context, p *psetv2.Pset, dc signer.DerivationContext, only int,
) (*psetv2.Pset, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	defer e.release()

	identity, err := e.loadIdentity(ctx)
	if err != nil {
		return nil, err
	}

	multisigName := ""
	if dc.Policy != nil {
		if _, ok := dc.Policy.SignerByFingerprint(identity.Fingerprint); !ok {
			return nil, signer.ErrKeyNotFound
		}
		if dc.Policy.IsMultisig() {
			if dc.PolicyName == "" {
				return nil, ErrMissingPolicyName
			}
			e.lock.RLock()
			_, ok := e.registered[dc.PolicyName]
			e.lock.RUnlock()
			if !ok {
				return nil, fmt.Errorf(
					"%w: multisig %s is not registered", ErrInvalidState, dc.PolicyName,
				)
			}
			multisigName = dc.PolicyName
		}
	}

	signed, err := clonePset(p)
	if err != nil {
		return nil, err
	}
	tx, err := signed.UnsignedTx()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", signer.ErrInvalidPset, err)
	}
	inputs, err := inputsToSign(signed, tx, identity, dc.Policy, multisigName)
	if err != nil {
		return nil, err
	}
	if only >= 0 {
		if len(inputs[only].req.Path) <= 0 {
			return nil, signer.ErrKeyNotFound
		}
		for i := range inputs {
			if i != only {
				inputs[i] = inputToSign{req: InputRequest{IsWitness: true}}
			}
		}
	}
	txBytes, err := tx.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", signer.ErrInvalidPset, err)
	}

	e.setSigning(0)
	var started bool
	params := SignTxParams{
		Network:   networkName(e.opts.Network),
		Txn:       txBytes,
		NumInputs: len(inputs),
		Change:    changeOutputs(signed, identity, multisigName),
	}
	if err := e.call(ctx, MethodSignLiquidTx, params, &started, true); err != nil {
		return nil, e.abortSigning(ctx, 0, err)
	}
	if !started {
		e.setState(Ready)
		return nil, &SignError{Kind: ErrRejected, Input: 0}
	}

	sigs := make([]partialSig, 0, len(inputs))
	for i, in := range inputs {
		e.setSigning(i)

		var sig []byte
		if err := e.call(ctx, MethodTxInput, in.req, &sig, true); err != nil {
			return nil, e.abortSigning(ctx, i, err)
		}
		if len(in.req.Path) <= 0 {
			continue
		}
		if !verifySignature(in.hash, in.pubkey, sig) {
			e.setState(Ready)
			return nil, &SignError{
				Kind: ErrRejected, Input: i, Err: fmt.Errorf("invalid signature"),
			}
		}
		sigs = append(sigs, partialSig{i, in.pubkey, sig})
	}

	e.setState(Ready)

	psetSigner, err := psetv2.NewSigner(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", signer.ErrInvalidPset, err)
	}
	for _, s := range sigs {
		if err := psetSigner.SignInput(s.index, s.sig, s.pubkey, nil, nil); err != nil {
			return nil, fmt.Errorf("%w: input %d: %s", signer.ErrInvalidPset, s.index, err)
		}
	}

	log.Debugf("jade: %s signed %d inputs", identity.Fingerprint, len(sigs))
	return signed, nil
}

// abortSigning maps the failure of a signing session to the error returned
// to the caller and restores the engine state.
func (e *Engine) abortSigning(ctx context.Context, index int, err error) error {
	if ctx.Err() != nil {
		// Best effort: tell the device to drop the pending request.
		cctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if cerr := e.exchange(cctx, MethodCancel, nil, nil); cerr != nil {
			log.WithError(cerr).Debug("jade: failed to cancel signing session")
		}
		e.setState(Ready)
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	if errors.Is(err, ErrDeviceUnreachable) {
		e.setState(Error)
		return &SignError{Kind: ErrDeviceUnreachable, Input: index, Err: err}
	}

	e.setState(Ready)
	return &SignError{Kind: ErrRejected, Input: index, Err: err}
}

// isTimeout tells whether the error comes from a deadline, either of the
// caller or of a http client, or from a tripped circuit breaker.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (e *Engine) failOnUnreachable(err error) {
	if errors.Is(err, ErrDeviceUnreachable) {
		e.setState(Error)
	}
}

// call sends a request and decodes the result into result, retrying with
// exponential backoff after transient faults if retry is set.
func (e *Engine) call(
	ctx context.Context, method string, params, result interface{}, retry bool,
) error {
	attempts := 1
	if retry {
		attempts = e.opts.MaxAttempts
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, e.backoff(attempt)); err != nil {
				return err
			}
		}

		err = e.exchange(ctx, method, params, result)
		if err == nil || !IsTransient(err) {
			return err
		}
		log.WithError(err).Warnf(
			"jade: %s failed, attempt %d/%d", method, attempt+1, attempts,
		)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, method, err)
}

func (e *Engine) exchange(
	ctx context.Context, method string, params, result interface{},
) (err error) {
	defer func() {
		stats.DeviceRequests.WithLabelValues(method, outcome(err)).Inc()
	}()

	id := uuid.New().String()
	msg, err := EncodeRequest(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := e.transport.Send(ctx, msg); err != nil {
		return err
	}

	for {
		buf, err := e.transport.Receive(ctx)
		if err != nil {
			return err
		}
		resp, err := DecodeResponse(buf)
		if err != nil {
			return &TransientError{fmt.Errorf("malformed reply: %w", err)}
		}
		if resp.ID != id {
			log.Debugf("jade: discarding reply to stale request %s", resp.ID)
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) <= 0 {
			return nil
		}
		return Unmarshal(resp.Result, result)
	}
}

func (e *Engine) backoff(attempt int) time.Duration {
	backoff := e.opts.InitialBackoff << (attempt - 1)
	if backoff <= 0 || backoff > e.opts.MaxBackoff {
		return e.opts.MaxBackoff
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcome(err error) string {
	var devErr *DeviceError
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "transient"
	case errors.As(err, &devErr):
		return "device_error"
	default:
		return "failed"
	}
}

func inputsToSign(
	p *psetv2.Pset, tx *transaction.Transaction,
	identity descriptor.SignerIdentity, policy *descriptor.MultisigPolicy,
	multisigName string,
) ([]inputToSign, error) {
	inputs := make([]inputToSign, 0, len(p.Inputs))
	count := 0
	for i, in := range p.Inputs {
		item := inputToSign{req: InputRequest{IsWitness: true}}

		derivation := ownDerivation(in, identity, policy)
		if derivation != nil && !hasSignature(in, derivation.PubKey) {
			prevout := analyzer.Prevout(in)
			if prevout == nil {
				return nil, fmt.Errorf(
					"%w: input %d is missing prevout", signer.ErrInvalidPset, i,
				)
			}
			scriptCode, err := analyzer.ScriptCode(in, prevout, derivation.PubKey)
			if err != nil {
				return nil, fmt.Errorf("%w: input %d: %s", signer.ErrInvalidPset, i, err)
			}
			sighashType := in.SigHashType
			if sighashType == 0 {
				sighashType = txscript.SigHashAll
			}

			item.req.Script = scriptCode
			item.req.ValueCommitment = prevout.Value
			item.req.Path = append([]uint32{}, derivation.Bip32Path...)
			item.req.SigHash = uint32(sighashType)
			item.req.MultisigName = multisigName
			item.pubkey = derivation.PubKey
			item.hash = tx.HashForWitnessV0(i, scriptCode, prevout.Value, sighashType)
			count++
		}
		inputs = append(inputs, item)
	}
	if count == 0 {
		return nil, signer.ErrKeyNotFound
	}
	return inputs, nil
}

func ownDerivation(
	in psetv2.Input, identity descriptor.SignerIdentity,
	policy *descriptor.MultisigPolicy,
) *psetv2.DerivationPathWithPubKey {
	for _, d := range in.Bip32Derivation {
		if descriptor.Fingerprint(d.MasterKeyFingerprint) != identity.Fingerprint {
			continue
		}
		if policy != nil {
			id, _ := policy.SignerByFingerprint(identity.Fingerprint)
			if !descriptor.DerivationPath(d.Bip32Path).HasPrefix(id.Path) {
				continue
			}
		}
		d := d
		return &d
	}
	return nil
}

func changeOutputs(
	p *psetv2.Pset, identity descriptor.SignerIdentity, multisigName string,
) []*ChangeOutput {
	change := make([]*ChangeOutput, len(p.Outputs))
	for i, out := range p.Outputs {
		for _, d := range out.Bip32Derivation {
			if descriptor.Fingerprint(d.MasterKeyFingerprint) == identity.Fingerprint {
				change[i] = &ChangeOutput{
					Path:         append([]uint32{}, d.Bip32Path...),
					MultisigName: multisigName,
				}
				break
			}
		}
	}
	return change
}

func hasSignature(in psetv2.Input, pubkey []byte) bool {
	for _, ps := range in.PartialSigs {
		if bytes.Equal(ps.PubKey, pubkey) {
			return true
		}
	}
	return false
}

func verifySignature(hash [32]byte, pubkey, sig []byte) bool {
	if len(sig) < 2 {
		return false
	}
	key, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return false
	}
	signature, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	return signature.Verify(hash[:], key)
}

func clonePset(p *psetv2.Pset) (*psetv2.Pset, error) {
	if p == nil {
		return nil, signer.ErrInvalidPset
	}
	b64, err := p.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", signer.ErrInvalidPset, err)
	}
	clone, err := psetv2.NewPsetFromBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", signer.ErrInvalidPset, err)
	}
	return clone, nil
}

func multisigDescriptor(desc *descriptor.Descriptor) (*MultisigDescriptor, error) {
	if desc == nil {
		return nil, fmt.Errorf("descriptor must not be null")
	}
	policy := desc.Policy()
	if !policy.IsMultisig() {
		return nil, fmt.Errorf("%w: not a multisig", ErrUnsupportedPolicy)
	}

	var variant string
	switch desc.ScriptType {
	case descriptor.P2WSH:
		variant = "wsh(multi(k))"
	case descriptor.P2SH_P2WSH:
		variant = "sh(wsh(multi(k)))"
	default:
		return nil, fmt.Errorf("%w: unsupported script type", ErrUnsupportedPolicy)
	}

	signers := make([]MultisigSigner, 0, len(policy.Keys))
	for i, key := range policy.Keys {
		if key.Xpub == nil {
			return nil, fmt.Errorf(
				"%w: key %d is not an extended key", ErrUnsupportedPolicy, i,
			)
		}
		id := policy.Signers[i]
		fingerprint := make([]byte, 4)
		binary.LittleEndian.PutUint32(fingerprint, uint32(id.Fingerprint))

		signers = append(signers, MultisigSigner{
			Fingerprint: fingerprint,
			Derivation:  append([]uint32{}, id.Path...),
			Xpub:        key.Xpub.String(),
			Path:        append([]uint32{}, key.Steps...),
		})
	}

	var blindingKey []byte
	if policy.MasterBlindingKey != "" {
		key, err := hex.DecodeString(policy.MasterBlindingKey)
		if err != nil {
			return nil, fmt.Errorf("invalid master blinding key: %w", err)
		}
		blindingKey = key
	}

	return &MultisigDescriptor{
		Variant:           variant,
		Sorted:            policy.Sorted,
		Threshold:         policy.Threshold,
		Signers:           signers,
		MasterBlindingKey: blindingKey,
	}, nil
}

func networkName(net *network.Network) string {
	switch net.Name {
	case network.Liquid.Name:
		return "liquid"
	case network.Testnet.Name:
		return "testnet-liquid"
	default:
		return "localtest-liquid"
	}
}
