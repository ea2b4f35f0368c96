package integration

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// codecTimeout interrupts runaway scripts.
const codecTimeout = 5 * time.Second

// DecodeUplink runs the application's JavaScript codec on an uplink
// payload. The script must define
//
//	function decodeUplink(input) { return { data: {...} }; }
//
// where input carries {bytes, fPort}. Scripts returning the object
// directly (without the data wrapper) are accepted too.
func DecodeUplink(script string, fPort uint8, data []byte) (map[string]interface{}, error) {
	vm := goja.New()
	timer := time.AfterFunc(codecTimeout, func() {
		vm.Interrupt("codec timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("codec script: %w", err)
	}

	fn := vm.Get("decodeUplink")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, fmt.Errorf("codec script has no decodeUplink function")
	}
	var decodeUplink func(input map[string]interface{}) (goja.Value, error)
	if err := vm.ExportTo(fn, &decodeUplink); err != nil {
		return nil, fmt.Errorf("codec script decodeUplink is not a function: %w", err)
	}

	bytes := make([]int, len(data))
	for i, b := range data {
		bytes[i] = int(b)
	}

	result, err := decodeUplink(map[string]interface{}{
		"bytes": bytes,
		"fPort": int(fPort),
	})
	if err != nil {
		return nil, fmt.Errorf("decodeUplink: %w", err)
	}

	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("decodeUplink returned %T, want object", result.Export())
	}

	if data, ok := obj["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return obj, nil
}

// EncodeDownlink runs the codec the other way: the script's
//
//	function encodeDownlink(input) { return { bytes: [...] }; }
//
// turns a structured object into payload bytes for the device queue.
func EncodeDownlink(script string, fPort uint8, object map[string]interface{}) ([]byte, error) {
	vm := goja.New()
	timer := time.AfterFunc(codecTimeout, func() {
		vm.Interrupt("codec timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("codec script: %w", err)
	}

	fn := vm.Get("encodeDownlink")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, fmt.Errorf("codec script has no encodeDownlink function")
	}
	var encodeDownlink func(input map[string]interface{}) (goja.Value, error)
	if err := vm.ExportTo(fn, &encodeDownlink); err != nil {
		return nil, fmt.Errorf("codec script encodeDownlink is not a function: %w", err)
	}

	result, err := encodeDownlink(map[string]interface{}{
		"data":  object,
		"fPort": int(fPort),
	})
	if err != nil {
		return nil, fmt.Errorf("encodeDownlink: %w", err)
	}

	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("encodeDownlink returned %T, want object", result.Export())
	}

	raw, ok := obj["bytes"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("encodeDownlink result has no bytes array")
	}

	out := make([]byte, len(raw))
	for i, v := range raw {
		n, ok := asFloat(v)
		if !ok || n < 0 || n > 255 {
			return nil, fmt.Errorf("encodeDownlink byte %d out of range", i)
		}
		out[i] = byte(n)
	}
	return out, nil
}
