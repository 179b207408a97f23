package jade_test

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/pkg/jade"
	"github.com/vulpemventures/go-elements/transaction"
)

const devicePin = "123456"

// fakeDevice emulates the firmware of a device behind a Transport.
type fakeDevice struct {
	t      *testing.T
	lock   sync.Mutex
	master *hdkeychain.ExtendedKey

	unlocked  bool
	multisigs map[string]*jade.MultisigDescriptor
	tx        *transaction.Transaction
	nextInput int

	replies chan []byte
	calls   map[string]int
	sends   int
	pending int
	overlap bool

	// failing makes sends of the given method fail transiently, failures
	// bounds how many times.
	failing  string
	failures int
	// holding makes the device never reply to the given method, as if the
	// user didn't confirm it. held is notified when that happens.
	holding string
	held    chan struct{}
	// rejecting makes the device reply with a user cancelled error.
	rejecting string
	// pinURLs overrides the pin server urls sent during auth.
	pinURLs []string
}

func newFakeDevice(t *testing.T, seedByte byte) *fakeDevice {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	require.NoError(t, err)

	return &fakeDevice{
		t:         t,
		master:    master,
		multisigs: make(map[string]*jade.MultisigDescriptor),
		replies:   make(chan []byte, 16),
		calls:     make(map[string]int),
		held:      make(chan struct{}, 1),
	}
}

func (d *fakeDevice) Send(_ context.Context, msg []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.sends++
	id, method, params, err := jade.DecodeRequest(msg)
	require.NoError(d.t, err)

	if d.failing == method && d.failures > 0 {
		d.failures--
		return &jade.TransientError{Err: errors.New("usb glitch")}
	}
	if method == jade.MethodCancel {
		d.pending = 0
	}
	if d.pending > 0 {
		d.overlap = true
	}
	d.calls[method]++

	if method == d.holding {
		d.pending++
		select {
		case d.held <- struct{}{}:
		default:
		}
		return nil
	}
	var devErr *jade.DeviceError
	var result interface{}
	if method == d.rejecting {
		devErr = &jade.DeviceError{Code: jade.CodeUserCancelled, Message: "user cancelled"}
	} else {
		result, devErr = d.handle(method, params)
	}

	reply, err := jade.EncodeResponse(id, result, devErr)
	require.NoError(d.t, err)
	d.pending++
	d.replies <- reply
	return nil
}

func (d *fakeDevice) Receive(ctx context.Context) ([]byte, error) {
	select {
	case reply := <-d.replies:
		d.lock.Lock()
		d.pending--
		d.lock.Unlock()
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDevice) Close() error {
	return nil
}

func (d *fakeDevice) numSends() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.sends
}

func (d *fakeDevice) numCalls(method string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.calls[method]
}

func (d *fakeDevice) configure(f func(d *fakeDevice)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	f(d)
}

func (d *fakeDevice) handle(
	method string, params cbor.RawMessage,
) (interface{}, *jade.DeviceError) {
	badParams := &jade.DeviceError{Code: jade.CodeBadParameters, Message: "bad params"}

	switch method {
	case jade.MethodGetVersionInfo:
		state := "LOCKED"
		if d.unlocked {
			state = "READY"
		}
		return jade.VersionInfo{
			JadeVersion:  "1.0.0",
			JadeState:    state,
			JadeNetworks: "TEST",
		}, nil

	case jade.MethodAuthUser:
		if d.unlocked {
			return true, nil
		}
		urls := d.pinURLs
		if len(urls) <= 0 {
			urls = []string{"https://pin.server/get_pin", "http://pin.onion/get_pin"}
		}
		return map[string]interface{}{
			"http_request": map[string]interface{}{
				"params": map[string]interface{}{
					"urls":   urls,
					"method": "POST",
					"data":   map[string]interface{}{"cke": "device"},
				},
				"on-reply": jade.MethodPin,
			},
		}, nil

	case jade.MethodPin:
		var p jade.PinParams
		if err := jade.Unmarshal(params, &p); err != nil {
			return nil, badParams
		}
		if p.Data["encrypted_key"] != "server:device" {
			return nil, &jade.DeviceError{Code: jade.CodeProtocolError, Message: "bad pin server reply"}
		}
		d.unlocked = p.Pin == devicePin
		return d.unlocked, nil

	case jade.MethodGetXpub:
		if !d.unlocked {
			return nil, &jade.DeviceError{Code: jade.CodeHwLocked, Message: "locked"}
		}
		var p jade.GetXpubParams
		if err := jade.Unmarshal(params, &p); err != nil {
			return nil, badParams
		}
		key, err := d.derive(p.Path)
		require.NoError(d.t, err)
		xpub, err := key.Neuter()
		require.NoError(d.t, err)
		return xpub.String(), nil

	case jade.MethodGetRegisteredMultisig:
		var p jade.GetRegisteredMultisigParams
		if err := jade.Unmarshal(params, &p); err != nil {
			return nil, badParams
		}
		return d.multisigs[p.MultisigName], nil

	case jade.MethodRegisterMultisig:
		var p jade.RegisterMultisigParams
		if err := jade.Unmarshal(params, &p); err != nil {
			return nil, badParams
		}
		desc := p.Descriptor
		d.multisigs[p.MultisigName] = &desc
		return true, nil

	case jade.MethodSignLiquidTx:
		var p jade.SignTxParams
		if err := jade.Unmarshal(params, &p); err != nil {
			return nil, badParams
		}
		tx, err := transaction.NewTxFromHex(hex.EncodeToString(p.Txn))
		require.NoError(d.t, err)
		require.Equal(d.t, len(tx.Inputs), p.NumInputs)
		require.Len(d.t, p.Change, len(tx.Outputs))
		d.tx = tx
		d.nextInput = 0
		return true, nil

	case jade.MethodTxInput:
		var p jade.InputRequest
		if err := jade.Unmarshal(params, &p); err != nil {
			return nil, badParams
		}
		if d.tx == nil {
			return nil, &jade.DeviceError{Code: jade.CodeProtocolError, Message: "no tx"}
		}
		index := d.nextInput
		d.nextInput++
		if len(p.Path) <= 0 {
			return []byte{}, nil
		}
		key, err := d.derive(p.Path)
		require.NoError(d.t, err)
		prvkey, err := key.ECPrivKey()
		require.NoError(d.t, err)

		sighash := txscript.SigHashType(p.SigHash)
		hash := d.tx.HashForWitnessV0(index, p.Script, p.ValueCommitment, sighash)
		sig := ecdsa.Sign(prvkey, hash[:])
		return append(sig.Serialize(), byte(sighash)), nil

	case jade.MethodCancel:
		d.tx = nil
		return true, nil
	}

	return nil, &jade.DeviceError{Code: jade.CodeUnknownMethod, Message: method}
}

func (d *fakeDevice) derive(path []uint32) (*hdkeychain.ExtendedKey, error) {
	key := d.master
	for _, step := range path {
		child, err := key.Derive(step)
		if err != nil {
			return nil, err
		}
		key = child
	}
	return key, nil
}

// fakePinServer answers to the device challenge. If blocking, it waits for
// the request context to expire.
type fakePinServer struct {
	lock     sync.Mutex
	calls    int
	blocking bool
	err      error
}

func (s *fakePinServer) Exchange(
	ctx context.Context, req jade.PinServerRequest,
) (map[string]interface{}, error) {
	s.lock.Lock()
	s.calls++
	blocking := s.blocking
	err := s.err
	s.lock.Unlock()

	if err != nil {
		return nil, err
	}

	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return map[string]interface{}{
		"encrypted_key": "server:" + req.Data["cke"].(string),
	}, nil
}
