package codec_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/tracks/encoding/codec"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	random := make([]byte, 100000)
	r.Read(random)
	inputs := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte(`[0,100,200,1,"gene",null,null,null,"ABC1","gene1",0],`), 1000),
		random,
	}
	expect.EQ(t, codec.Names(), []string{"gzip", "lz4", "none", "snappy", "zstd"})
	for _, name := range codec.Names() {
		c, err := codec.Lookup(name)
		require.NoError(t, err)
		expect.EQ(t, c.Name(), name)
		for _, in := range inputs {
			enc, err := c.Encode([]byte("prefix"), in)
			require.NoError(t, err, name)
			require.True(t, bytes.HasPrefix(enc, []byte("prefix")), name)
			dec, err := c.Decode(nil, enc[len("prefix"):])
			require.NoError(t, err, name)
			require.True(t, bytes.Equal(in, dec), "%s: %d bytes", name, len(in))
		}
	}
	// Repetitive rows compress well.
	for _, name := range []string{"gzip", "zstd", "snappy", "lz4"} {
		c, _ := codec.Lookup(name)
		enc, err := c.Encode(nil, inputs[2])
		require.NoError(t, err)
		expect.True(t, len(enc)*4 < len(inputs[2]), name)
	}
}

func TestLookup(t *testing.T) {
	c, err := codec.Lookup("")
	require.NoError(t, err)
	expect.EQ(t, c.Name(), codec.None)
	expect.EQ(t, c.Ext(), "")
	_, err = codec.Lookup("brotli")
	expect.True(t, errors.Is(errors.NotExist, err))

	c, _ = codec.Lookup("gzip")
	_, err = c.Decode(nil, []byte("not gzip"))
	expect.True(t, err != nil)
}
