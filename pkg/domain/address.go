package domain

import (
	"encoding/base32"
	"encoding/binary"
	"strings"

	dErrors "quickex/pkg/domain-errors"
)

// Address is a Stellar account address in StrKey form (G...).
// Construct with ParseAddress.
type Address string

const (
	addressLength      = 56
	addressPayloadSize = 32
	// version byte for ed25519 public keys: 6 << 3, which encodes to a leading 'G'
	accountVersionByte byte = 6 << 3
)

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ParseAddress validates a StrKey account address including its CRC16 checksum.
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidFormat, "address is required")
	}
	if len(s) != addressLength || s[0] != 'G' {
		return "", dErrors.New(dErrors.CodeInvalidFormat, "address must be a 56 character Stellar account id")
	}
	decoded, err := strkeyEncoding.DecodeString(s)
	if err != nil {
		return "", dErrors.New(dErrors.CodeInvalidFormat, "address is not valid base32")
	}
	if len(decoded) != 1+addressPayloadSize+2 || decoded[0] != accountVersionByte {
		return "", dErrors.New(dErrors.CodeInvalidFormat, "address has an unexpected version byte")
	}
	body := decoded[:1+addressPayloadSize]
	want := binary.LittleEndian.Uint16(decoded[1+addressPayloadSize:])
	if crc16XModem(body) != want {
		return "", dErrors.New(dErrors.CodeInvalidFormat, "address checksum mismatch")
	}
	return Address(s), nil
}

// LooksLikeAddress reports whether raw is a valid account address.
func LooksLikeAddress(raw string) bool {
	_, err := ParseAddress(raw)
	return err == nil
}

// EncodeAddress renders a 32 byte ed25519 public key as a StrKey account address.
func EncodeAddress(key [addressPayloadSize]byte) Address {
	buf := make([]byte, 0, 1+addressPayloadSize+2)
	buf = append(buf, accountVersionByte)
	buf = append(buf, key[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, crc16XModem(buf))
	return Address(strkeyEncoding.EncodeToString(buf))
}

func (a Address) String() string {
	return string(a)
}

func crc16XModem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
