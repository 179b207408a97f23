package jade_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tohrxyz/lwk/pkg/jade"
)

func TestMessages(t *testing.T) {
	buf, err := jade.EncodeRequest(jade.Request{
		ID:     "1",
		Method: jade.MethodGetXpub,
		Params: jade.GetXpubParams{Network: "liquid", Path: []uint32{1, 2}},
	})
	require.NoError(t, err)

	id, method, params, err := jade.DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, "1", id)
	require.Equal(t, jade.MethodGetXpub, method)
	var p jade.GetXpubParams
	require.NoError(t, jade.Unmarshal(params, &p))
	require.Equal(t, []uint32{1, 2}, p.Path)

	buf, err = jade.EncodeResponse("1", "xpub", nil)
	require.NoError(t, err)
	resp, err := jade.DecodeResponse(buf)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	var xpub string
	require.NoError(t, jade.Unmarshal(resp.Result, &xpub))
	require.Equal(t, "xpub", xpub)

	buf, err = jade.EncodeResponse("2", nil, &jade.DeviceError{
		Code: jade.CodeUserCancelled, Message: "cancelled",
	})
	require.NoError(t, err)
	resp, err = jade.DecodeResponse(buf)
	require.NoError(t, err)
	require.Equal(t, "2", resp.ID)
	require.Equal(t, jade.CodeUserCancelled, resp.Error.Code)
	require.Empty(t, resp.Result)
}

func TestMultisigDescriptorEqual(t *testing.T) {
	desc := &jade.MultisigDescriptor{
		Variant:   "wsh(multi(k))",
		Sorted:    true,
		Threshold: 2,
		Signers: []jade.MultisigSigner{
			{Fingerprint: []byte{1, 2, 3, 4}, Derivation: []uint32{1}, Xpub: "a"},
			{Fingerprint: []byte{5, 6, 7, 8}, Derivation: []uint32{1}, Xpub: "b"},
		},
	}
	other := *desc
	require.True(t, desc.Equal(&other))
	require.False(t, desc.Equal(nil))

	other.Threshold = 1
	require.False(t, desc.Equal(&other))

	other = *desc
	other.Signers = []jade.MultisigSigner{desc.Signers[1], desc.Signers[0]}
	require.False(t, desc.Equal(&other))
}
