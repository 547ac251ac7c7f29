package testutil

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

var ntlmSignature = []byte("NTLMSSP\x00")

// NTLMChallenge returns a minimal NTLMv2 challenge (type 2) message that
// go-ntlmssp accepts, with target name "TEST" and an empty target info list.
func NTLMChallenge() []byte {
	var name []byte
	for _, r := range utf16.Encode([]rune("TEST")) {
		name = binary.LittleEndian.AppendUint16(name, r)
	}

	const headerLen = 48
	const flags = 0x00800205 // UNICODE | REQUEST_TARGET | NTLM | TARGET_INFO
	targetInfo := []byte{0, 0, 0, 0}

	b := make([]byte, 0, headerLen+len(name)+len(targetInfo))
	b = append(b, ntlmSignature...)
	b = binary.LittleEndian.AppendUint32(b, 2)
	b = appendVarField(b, len(name), headerLen)
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = append(b, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef)
	b = append(b, make([]byte, 8)...)
	b = appendVarField(b, len(targetInfo), headerLen+len(name))
	b = append(b, name...)
	b = append(b, targetInfo...)
	return b
}

func appendVarField(b []byte, length, offset int) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(length))
	b = binary.LittleEndian.AppendUint16(b, uint16(length))
	return binary.LittleEndian.AppendUint32(b, uint32(offset))
}

// NTLMMessageType returns the type of an NTLMSSP message, or 0 if msg is not
// one.
func NTLMMessageType(msg []byte) uint32 {
	if len(msg) < 12 || !bytes.Equal(msg[:8], ntlmSignature) {
		return 0
	}
	return binary.LittleEndian.Uint32(msg[8:12])
}
