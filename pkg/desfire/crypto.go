package desfire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// KeyType identifies the cipher family of a DESFire key.
type KeyType byte

const (
	KeyType2K3DES KeyType = iota // 2-key 3DES (single DES when both halves match)
	KeyType3K3DES                // 3-key 3DES
	KeyTypeAES                   // AES-128
)

func (t KeyType) String() string {
	switch t {
	case KeyType2K3DES:
		return "2K3DES"
	case KeyType3K3DES:
		return "3K3DES"
	case KeyTypeAES:
		return "AES"
	default:
		return fmt.Sprintf("KeyType(%d)", byte(t))
	}
}

// KeySize returns the key length in bytes used on the wire.
func (t KeyType) KeySize() int {
	if t == KeyType3K3DES {
		return 24
	}
	return 16
}

// BlockSize returns the cipher block size.
func (t KeyType) BlockSize() int {
	if t == KeyTypeAES {
		return 16
	}
	return 8
}

// keyTypeFlag is OR'd into CreateApplication's key count byte and into the
// PICC master key number on ChangeKey.
func (t KeyType) keyTypeFlag() byte {
	switch t {
	case KeyType3K3DES:
		return 0x40
	case KeyTypeAES:
		return 0x80
	default:
		return 0x00
	}
}

// KeyTypeFromFlag decodes the cipher bits of a key settings byte.
func KeyTypeFromFlag(b byte) KeyType {
	switch b & 0xC0 {
	case 0x40:
		return KeyType3K3DES
	case 0x80:
		return KeyTypeAES
	default:
		return KeyType2K3DES
	}
}

// NewBlock returns the block cipher for key material of the given type.
func NewBlock(t KeyType, key []byte) (cipher.Block, error) {
	if len(key) != t.KeySize() {
		return nil, fmt.Errorf("%s key must be %d bytes, got %d", t, t.KeySize(), len(key))
	}
	switch t {
	case KeyType2K3DES:
		k := make([]byte, 24)
		copy(k, key[:16])
		copy(k[16:], key[:8])
		return des.NewTripleDESCipher(k)
	case KeyType3K3DES:
		return des.NewTripleDESCipher(key)
	case KeyTypeAES:
		return aes.NewCipher(key)
	default:
		return nil, fmt.Errorf("unsupported key type %s", t)
	}
}

// cbcEncrypt encrypts data in CBC mode and returns the ciphertext.
// The caller's IV is not modified.
func cbcEncrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func cbcDecrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// lastBlock returns a copy of the final cipher block of data.
func lastBlock(data []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, data[len(data)-size:])
	return out
}

// padZero pads data with zero bytes to a multiple of size. Already aligned
// data is returned unchanged.
func padZero(data []byte, size int) []byte {
	n := len(data)
	if n%size != 0 {
		n += size - n%size
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func rotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

func rotateRight1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}

// RotateLeft1 is exported for card emulation.
func RotateLeft1(in []byte) []byte { return rotateLeft1(in) }

// CMAC computes a NIST SP 800-38B CMAC over msg, chaining from iv instead of
// a zero block. EV1 secure messaging keeps the MAC of the previous exchange
// as the IV of the next one; with a zero IV this is plain CMAC.
func CMAC(block cipher.Block, iv, msg []byte) []byte {
	bs := block.BlockSize()
	k1, k2 := generateCMACSubkeys(block)

	n := (len(msg) + bs - 1) / bs
	if n == 0 {
		n = 1
	}
	lastComplete := len(msg) != 0 && len(msg)%bs == 0

	last := make([]byte, bs)
	if lastComplete {
		copy(last, msg[(n-1)*bs:])
		xorBlock(last, last, k1)
	} else {
		remain := len(msg) - (n-1)*bs
		if remain > 0 {
			copy(last, msg[(n-1)*bs:])
		}
		last[remain] = 0x80
		xorBlock(last, last, k2)
	}

	x := make([]byte, bs)
	if iv != nil {
		copy(x, iv)
	}
	y := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		start := i * bs
		xorBlock(y, x, msg[start:start+bs])
		block.Encrypt(x, y)
	}
	xorBlock(y, x, last)
	block.Encrypt(x, y)
	return x
}

func generateCMACSubkeys(block cipher.Block) (k1, k2 []byte) {
	bs := block.BlockSize()
	rb := byte(0x87)
	if bs == 8 {
		rb = 0x1B
	}
	zero := make([]byte, bs)
	L := make([]byte, bs)
	block.Encrypt(L, zero)

	k1 = make([]byte, bs)
	leftShift1(k1, L)
	if (L[0] & 0x80) != 0 {
		k1[bs-1] ^= rb
	}

	k2 = make([]byte, bs)
	leftShift1(k2, k1)
	if (k1[0] & 0x80) != 0 {
		k2[bs-1] ^= rb
	}
	return k1, k2
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// CRC32DESFire computes the CRC32 of data using the DESFire polynomial
// (0xEDB88320) without the final inversion.
func CRC32DESFire(data []byte) uint32 {
	poly := uint32(0xEDB88320)
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if (crc & 1) != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc = crc >> 1
			}
		}
	}
	return crc
}

// crcBytes returns CRC32DESFire(data) little-endian.
func crcBytes(data []byte) []byte {
	crc := CRC32DESFire(data)
	return []byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)}
}

// CRCBytes is exported for card emulation.
func CRCBytes(data []byte) []byte { return crcBytes(data) }

// SessionKey builds the EV1 session key from the two authentication
// randoms. Single DES keys (equal halves) produce a session key whose
// halves also match, so the session keeps running single DES.
func SessionKey(t KeyType, key, rndA, rndB []byte) []byte {
	switch t {
	case KeyType3K3DES:
		sk := make([]byte, 0, 24)
		sk = append(sk, rndA[0:4]...)
		sk = append(sk, rndB[0:4]...)
		sk = append(sk, rndA[6:10]...)
		sk = append(sk, rndB[6:10]...)
		sk = append(sk, rndA[12:16]...)
		sk = append(sk, rndB[12:16]...)
		return sk
	case KeyTypeAES:
		sk := make([]byte, 0, 16)
		sk = append(sk, rndA[0:4]...)
		sk = append(sk, rndB[0:4]...)
		sk = append(sk, rndA[12:16]...)
		sk = append(sk, rndB[12:16]...)
		return sk
	default:
		sk := make([]byte, 0, 16)
		sk = append(sk, rndA[0:4]...)
		sk = append(sk, rndB[0:4]...)
		if isSingleDES(key) {
			sk = append(sk, rndA[0:4]...)
			sk = append(sk, rndB[0:4]...)
		} else {
			sk = append(sk, rndA[4:8]...)
			sk = append(sk, rndB[4:8]...)
		}
		return sk
	}
}

// isSingleDES reports whether a 16 byte DES key has matching halves,
// ignoring parity bits.
func isSingleDES(key []byte) bool {
	if len(key) != 16 {
		return false
	}
	for i := 0; i < 8; i++ {
		if key[i]&0xFE != key[i+8]&0xFE {
			return false
		}
	}
	return true
}

// RandomSize returns the length of RndA/RndB for an authentication with t.
func RandomSize(t KeyType) int {
	if t == KeyType2K3DES {
		return 8
	}
	return 16
}
