package integration

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeUplink(t *testing.T) {
	assert := require.New(t)

	script := `
		function decodeUplink(input) {
			return {
				data: {
					temperature: (input.bytes[0] << 8 | input.bytes[1]) / 100,
					fPort: input.fPort
				}
			};
		}
	`

	obj, err := DecodeUplink(script, 10, []byte{0x09, 0xec})
	assert.NoError(err)
	assert.InDelta(25.4, obj["temperature"], 0.001)
	assert.EqualValues(10, obj["fPort"])
}

func TestDecodeUplinkWithoutDataWrapper(t *testing.T) {
	assert := require.New(t)

	script := `
		function decodeUplink(input) {
			return { raw: input.bytes.length };
		}
	`

	obj, err := DecodeUplink(script, 1, []byte{1, 2, 3})
	assert.NoError(err)
	assert.EqualValues(3, obj["raw"])
}

func TestDecodeUplinkErrors(t *testing.T) {
	assert := require.New(t)

	// syntax error
	_, err := DecodeUplink(`function decodeUplink(input {}`, 1, nil)
	assert.Error(err)

	// missing entry point
	_, err = DecodeUplink(`function somethingElse() {}`, 1, nil)
	assert.Error(err)

	// entry point bound to a non-function value
	_, err = DecodeUplink(`var decodeUplink = 5;`, 1, nil)
	assert.Error(err)

	// runtime error
	_, err = DecodeUplink(`function decodeUplink(input) { throw new Error("boom"); }`, 1, nil)
	assert.Error(err)

	// non-object result
	_, err = DecodeUplink(`function decodeUplink(input) { return 42; }`, 1, nil)
	assert.Error(err)
}

func TestEncodeDownlink(t *testing.T) {
	assert := require.New(t)

	script := `
		function encodeDownlink(input) {
			return { bytes: [input.data.on ? 1 : 0, input.fPort] };
		}
	`

	b, err := EncodeDownlink(script, 2, map[string]interface{}{"on": true})
	assert.NoError(err)
	assert.Equal([]byte{1, 2}, b)
}

func TestEncodeDownlinkByteRange(t *testing.T) {
	assert := require.New(t)

	script := `function encodeDownlink(input) { return { bytes: [300] }; }`
	_, err := EncodeDownlink(script, 1, nil)
	assert.Error(err)
}

func TestEncodeDownlinkMissingEntryPoint(t *testing.T) {
	assert := require.New(t)

	_, err := EncodeDownlink(`function decodeUplink(input) {}`, 1, nil)
	assert.Error(err)
}
