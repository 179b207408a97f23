package jade

import (
	"bytes"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Device methods.
const (
	MethodGetVersionInfo        = "get_version_info"
	MethodAuthUser              = "auth_user"
	MethodPin                   = "pin"
	MethodGetXpub               = "get_xpub"
	MethodGetRegisteredMultisig = "get_registered_multisig"
	MethodRegisterMultisig      = "register_multisig"
	MethodSignLiquidTx          = "sign_liquid_tx"
	MethodTxInput               = "tx_input"
	MethodCancel                = "cancel"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	// Maps are decoded with string keys so that pin server payloads can be
	// forwarded as json.
	if decMode, err = (cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}).DecMode(); err != nil {
		panic(err)
	}
}

// Request is a message sent to the device.
type Request struct {
	ID     string      `cbor:"id"`
	Method string      `cbor:"method"`
	Params interface{} `cbor:"params,omitempty"`
}

// Response is a message received from the device. Exactly one of Result
// and Error is defined.
type Response struct {
	ID     string          `cbor:"id"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *DeviceError    `cbor:"error,omitempty"`
}

// EncodeRequest ...
func EncodeRequest(req Request) ([]byte, error) {
	return encMode.Marshal(req)
}

// DecodeRequest is used by device emulators to parse incoming messages.
// Params are left encoded.
func DecodeRequest(buf []byte) (string, string, cbor.RawMessage, error) {
	var req struct {
		ID     string          `cbor:"id"`
		Method string          `cbor:"method"`
		Params cbor.RawMessage `cbor:"params"`
	}
	if err := decMode.Unmarshal(buf, &req); err != nil {
		return "", "", nil, err
	}
	return req.ID, req.Method, req.Params, nil
}

// EncodeResponse ...
func EncodeResponse(id string, result interface{}, devErr *DeviceError) ([]byte, error) {
	resp := Response{ID: id, Error: devErr}
	if devErr == nil {
		raw, err := encMode.Marshal(result)
		if err != nil {
			return nil, err
		}
		resp.Result = raw
	}
	return encMode.Marshal(resp)
}

// DecodeResponse ...
func DecodeResponse(buf []byte) (*Response, error) {
	resp := &Response{}
	if err := decMode.Unmarshal(buf, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Unmarshal decodes CBOR data with the options used for device messages.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// VersionInfo is the reply to get_version_info.
type VersionInfo struct {
	JadeVersion  string `cbor:"JADE_VERSION"`
	JadeState    string `cbor:"JADE_STATE"`
	JadeNetworks string `cbor:"JADE_NETWORKS"`
	EFuseMac     string `cbor:"EFUSEMAC"`
}

type authUserParams struct {
	Network string `cbor:"network"`
	Epoch   int64  `cbor:"epoch"`
}

// PinServerRequest is the http request the device asks the host to forward
// to the pin server during unlock.
type PinServerRequest struct {
	URLs   []string               `cbor:"urls" json:"urls"`
	Method string                 `cbor:"method" json:"method"`
	Data   map[string]interface{} `cbor:"data" json:"data"`
}

// HTTPRequest ...
type HTTPRequest struct {
	Params  PinServerRequest `cbor:"params"`
	OnReply string           `cbor:"on-reply"`
}

type authUserReply struct {
	HTTPRequest *HTTPRequest `cbor:"http_request"`
}

// PinParams are sent to the device with the pin server reply.
type PinParams struct {
	Pin  string                 `cbor:"pin"`
	Data map[string]interface{} `cbor:"data"`
}

// GetXpubParams ...
type GetXpubParams struct {
	Network string   `cbor:"network"`
	Path    []uint32 `cbor:"path"`
}

// MultisigSigner is a cosigner of a registered multisig.
type MultisigSigner struct {
	Fingerprint []byte   `cbor:"fingerprint"`
	Derivation  []uint32 `cbor:"derivation"`
	Xpub        string   `cbor:"xpub"`
	Path        []uint32 `cbor:"path"`
}

// MultisigDescriptor is the multisig setup registered on the device.
type MultisigDescriptor struct {
	Variant           string           `cbor:"variant"`
	Sorted            bool             `cbor:"sorted"`
	Threshold         int              `cbor:"threshold"`
	Signers           []MultisigSigner `cbor:"signers"`
	MasterBlindingKey []byte           `cbor:"master_blinding_key,omitempty"`
}

// Equal ...
func (d *MultisigDescriptor) Equal(other *MultisigDescriptor) bool {
	if other == nil {
		return false
	}
	if d.Variant != other.Variant || d.Sorted != other.Sorted ||
		d.Threshold != other.Threshold || len(d.Signers) != len(other.Signers) ||
		!bytes.Equal(d.MasterBlindingKey, other.MasterBlindingKey) {
		return false
	}
	for i, s := range d.Signers {
		o := other.Signers[i]
		if !bytes.Equal(s.Fingerprint, o.Fingerprint) || s.Xpub != o.Xpub ||
			!equalPath(s.Derivation, o.Derivation) || !equalPath(s.Path, o.Path) {
			return false
		}
	}
	return true
}

func equalPath(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetRegisteredMultisigParams ...
type GetRegisteredMultisigParams struct {
	MultisigName string `cbor:"multisig_name"`
}

// RegisterMultisigParams ...
type RegisterMultisigParams struct {
	Network      string             `cbor:"network"`
	MultisigName string             `cbor:"multisig_name"`
	Descriptor   MultisigDescriptor `cbor:"descriptor"`
}

// ChangeOutput tells the device which outputs return to the wallet so that
// they are not shown as spent.
type ChangeOutput struct {
	Path         []uint32 `cbor:"path"`
	MultisigName string   `cbor:"multisig_name,omitempty"`
}

// SignTxParams opens a signing session.
type SignTxParams struct {
	Network   string          `cbor:"network"`
	Txn       []byte          `cbor:"txn"`
	NumInputs int             `cbor:"num_inputs"`
	Change    []*ChangeOutput `cbor:"change"`
}

// InputRequest is sent for every input of the transaction being signed, in
// order. Inputs with an empty path are not signed by the device.
type InputRequest struct {
	IsWitness       bool     `cbor:"is_witness"`
	Script          []byte   `cbor:"script,omitempty"`
	ValueCommitment []byte   `cbor:"value_commitment,omitempty"`
	Path            []uint32 `cbor:"path,omitempty"`
	SigHash         uint32   `cbor:"sighash,omitempty"`
	MultisigName    string   `cbor:"multisig_name,omitempty"`
}
