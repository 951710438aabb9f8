package grpctransport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []*Frame{
		{},
		{ClientID: 7},
		{Parts: [][]byte{}},
		{ClientID: 3, Parts: [][]byte{[]byte("hello"), {}, []byte("world")}},
	}

	codec := frameCodec{}
	for _, want := range cases {
		encoded, err := codec.Marshal(want)
		require.NoError(t, err)

		got := &Frame{}
		require.NoError(t, codec.Unmarshal(encoded, got))
		require.Equal(t, want.ClientID, got.ClientID)
		require.Equal(t, len(want.Parts), len(got.Parts))
		for i := range want.Parts {
			require.Equal(t, want.Parts[i], got.Parts[i])
		}
	}
}

func TestFrameDecodeTruncated(t *testing.T) {
	codec := frameCodec{}
	got := &Frame{}
	require.Error(t, codec.Unmarshal([]byte{1, 2, 3}, got))
}
