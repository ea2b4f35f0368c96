package lorawan

import (
	"crypto/aes"
	"encoding/binary"
)

// deriveKey encrypts a single 16-byte block with the given key.
func deriveKey(key AES128Key, b [16]byte) (AES128Key, error) {
	var out AES128Key
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], b[:])
	return out, nil
}

// sessionKeyBlock10 builds 't | AppNonce | NetID | DevNonce | pad16' with
// every field little-endian.
func sessionKeyBlock10(t byte, joinNonce JoinNonce, netID NetID, devNonce DevNonce) ([16]byte, error) {
	var b [16]byte
	b[0] = t

	jn := make([]byte, 4)
	binary.LittleEndian.PutUint32(jn, uint32(joinNonce))
	copy(b[1:4], jn[0:3])

	n, err := netID.MarshalBinary()
	if err != nil {
		return b, err
	}
	copy(b[4:7], n)

	binary.LittleEndian.PutUint16(b[7:9], uint16(devNonce))
	return b, nil
}

// sessionKeyBlock11 builds 't | JoinNonce | JoinEUI | DevNonce | pad16'
// with every field little-endian.
func sessionKeyBlock11(t byte, joinNonce JoinNonce, joinEUI EUI64, devNonce DevNonce) ([16]byte, error) {
	var b [16]byte
	b[0] = t

	jn := make([]byte, 4)
	binary.LittleEndian.PutUint32(jn, uint32(joinNonce))
	copy(b[1:4], jn[0:3])

	e, err := joinEUI.MarshalBinary()
	if err != nil {
		return b, err
	}
	copy(b[4:12], e)

	binary.LittleEndian.PutUint16(b[12:14], uint16(devNonce))
	return b, nil
}

// DeriveSessionKeys10 derives the LoRaWAN 1.0.x session keys.
func DeriveSessionKeys10(nwkKey AES128Key, joinNonce JoinNonce, homeNetID NetID, devNonce DevNonce) (nwkSKey, appSKey AES128Key, err error) {
	b, err := sessionKeyBlock10(0x01, joinNonce, homeNetID, devNonce)
	if err != nil {
		return
	}
	if nwkSKey, err = deriveKey(nwkKey, b); err != nil {
		return
	}

	b, err = sessionKeyBlock10(0x02, joinNonce, homeNetID, devNonce)
	if err != nil {
		return
	}
	appSKey, err = deriveKey(nwkKey, b)
	return
}

// DeriveSessionKeys11 derives the LoRaWAN 1.1 session keys. The network
// session keys are derived from the NwkKey, the AppSKey from the AppKey.
func DeriveSessionKeys11(nwkKey, appKey AES128Key, joinNonce JoinNonce, joinEUI EUI64, devNonce DevNonce) (fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey AES128Key, err error) {
	b, err := sessionKeyBlock11(0x01, joinNonce, joinEUI, devNonce)
	if err != nil {
		return
	}
	if fNwkSIntKey, err = deriveKey(nwkKey, b); err != nil {
		return
	}

	b, err = sessionKeyBlock11(0x03, joinNonce, joinEUI, devNonce)
	if err != nil {
		return
	}
	if sNwkSIntKey, err = deriveKey(nwkKey, b); err != nil {
		return
	}

	b, err = sessionKeyBlock11(0x04, joinNonce, joinEUI, devNonce)
	if err != nil {
		return
	}
	if nwkSEncKey, err = deriveKey(nwkKey, b); err != nil {
		return
	}

	b, err = sessionKeyBlock11(0x02, joinNonce, joinEUI, devNonce)
	if err != nil {
		return
	}
	appSKey, err = deriveKey(appKey, b)
	return
}

// jsKeyBlock builds 't | DevEUI | pad16' with DevEUI little-endian.
func jsKeyBlock(t byte, devEUI EUI64) ([16]byte, error) {
	var b [16]byte
	b[0] = t
	e, err := devEUI.MarshalBinary()
	if err != nil {
		return b, err
	}
	copy(b[1:9], e)
	return b, nil
}

// DeriveJSIntKey derives the key protecting the rejoin-request type 1 MIC
// and the 1.1 join-accept MIC (LoRaWAN 1.1).
func DeriveJSIntKey(nwkKey AES128Key, devEUI EUI64) (AES128Key, error) {
	b, err := jsKeyBlock(0x06, devEUI)
	if err != nil {
		return AES128Key{}, err
	}
	return deriveKey(nwkKey, b)
}

// DeriveJSEncKey derives the key encrypting the join-accept triggered by a
// rejoin-request (LoRaWAN 1.1).
func DeriveJSEncKey(nwkKey AES128Key, devEUI EUI64) (AES128Key, error) {
	b, err := jsKeyBlock(0x05, devEUI)
	if err != nil {
		return AES128Key{}, err
	}
	return deriveKey(nwkKey, b)
}

// GetMcRootKeyForGenAppKey derives the multicast root key from the
// GenAppKey (LoRaWAN 1.0.x).
func GetMcRootKeyForGenAppKey(genAppKey AES128Key) (AES128Key, error) {
	return deriveKey(genAppKey, [16]byte{})
}

// GetMcRootKeyForAppKey derives the multicast root key from the AppKey
// (LoRaWAN 1.1).
func GetMcRootKeyForAppKey(appKey AES128Key) (AES128Key, error) {
	return deriveKey(appKey, [16]byte{0x20})
}

// GetMcKEKey derives the multicast key-encryption key.
func GetMcKEKey(mcRootKey AES128Key) (AES128Key, error) {
	return deriveKey(mcRootKey, [16]byte{})
}

// getMulticastKey builds 't | McAddr | pad16' and encrypts it with the
// McKey.
func getMulticastKey(t byte, mcKey AES128Key, mcAddr DevAddr) (AES128Key, error) {
	var b [16]byte
	b[0] = t
	a, err := mcAddr.MarshalBinary()
	if err != nil {
		return AES128Key{}, err
	}
	copy(b[1:5], a)
	return deriveKey(mcKey, b)
}

// GetMcAppSKey derives the multicast application session key.
func GetMcAppSKey(mcKey AES128Key, mcAddr DevAddr) (AES128Key, error) {
	return getMulticastKey(0x01, mcKey, mcAddr)
}

// GetMcNetSKey derives the multicast network session key.
func GetMcNetSKey(mcKey AES128Key, mcAddr DevAddr) (AES128Key, error) {
	return getMulticastKey(0x02, mcKey, mcAddr)
}

// EncryptMcKey encrypts the McKey for transport to the device. The device
// recovers it with an AES encrypt operation, so the server side uses AES
// decrypt.
func EncryptMcKey(mcKEKey, mcKey AES128Key) (AES128Key, error) {
	var out AES128Key
	block, err := aes.NewCipher(mcKEKey[:])
	if err != nil {
		return out, err
	}
	block.Decrypt(out[:], mcKey[:])
	return out, nil
}

// DecryptMcKey is the inverse of EncryptMcKey.
func DecryptMcKey(mcKEKey, encrypted AES128Key) (AES128Key, error) {
	var out AES128Key
	block, err := aes.NewCipher(mcKEKey[:])
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], encrypted[:])
	return out, nil
}
