/*
Package desfire talks to MIFARE DESFire EV1 cards through an ISO 7816 transport.

It provides:
  - Native command wrapping (90 INS 00 00 Lc data 00) with frame chaining
  - EV1 mutual authentication: ISO (2K3DES, 3K3DES) and AES
  - EV1 secure messaging: CMAC chaining and enciphered data with CRC32
  - Card level and application level commands used for personalization
  - PC/SC reader access with presence polling

# Wire Format

Every native command is sent wrapped:

	Command:  90 <INS> 00 00 [Lc <data>] 00
	Response: <data> 91 <status>

Status 0x00 is success. Status 0xAF means the card has more data (or wants
more data); the next frame is sent with INS 0xAF. Any other status aborts the
command and ends the authenticated session.

# Authentication

ISO authentication (INS 0x1A) is used for 2K3DES and 3K3DES keys, AES
authentication (INS 0xAA) for AES keys. Both are three-pass:

	-> 1A|AA keyNo
	<- E(K, RndB)                      91AF
	-> AF E(K, RndA || RndB<<<8)
	<- E(K, RndA<<<8)                  9100

CBC chains across the exchange: the IV for each cryptogram is the last
cipher block sent or received before it. RndA/RndB are 8 bytes for 2K3DES
and 16 bytes otherwise. The session key is built from the randoms:

	2K3DES: A[0:4] B[0:4] A[4:8]   B[4:8]
	3K3DES: A[0:4] B[0:4] A[6:10]  B[6:10] A[12:16] B[12:16]
	AES:    A[0:4] B[0:4] A[12:16] B[12:16]

# Secure Messaging

After authentication the session IV starts at zero and every exchange moves
it forward. Plain commands are not MACed on the wire but still advance the
IV by CMAC over INS and parameters. Plain responses end with an 8 byte MAC:
the first half of CMAC(data || status). Enciphered data carries a CRC32
(polynomial 0xEDB88320, no final inversion) and is zero padded.

# Key Versions

AES keys carry a version byte. DES family keys carry their version in the
parity bits of the first eight key bytes, MSB first.

# Card Layout Commands

	SelectApplication   5A aid(3)
	GetKeyVersion       64 keyNo
	ChangeKey           C4 keyNo cryptogram
	ChangeKeySettings   54 cryptogram
	GetKeySettings      45
	CreateApplication   CA aid(3) settings keyCount|cipher
	DeleteApplication   DA aid(3)
	GetApplicationIDs   6A
	CreateStdDataFile   CD fileNo comm access(2) size(3)
	ReadData            BD fileNo offset(3) length(3)
	WriteData           3D fileNo offset(3) length(3) data
	GetCardUID          51
	GetVersion          60

All multi-byte integers are little-endian.
*/
package desfire
