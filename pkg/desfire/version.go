package desfire

import "fmt"

// VendorNXP is the hardware vendor ID reported by NXP cards.
const VendorNXP = 0x04

// TagVersion holds the hardware and software version information from GetVersion.
type TagVersion struct {
	HWVendorID    byte   // Hardware vendor ID
	HWType        byte   // Hardware type
	HWSubType     byte   // Hardware subtype
	HWMajorVer    byte   // Hardware major version
	HWMinorVer    byte   // Hardware minor version
	HWStorageSize byte   // Hardware storage size
	HWProtocol    byte   // Hardware protocol
	SWVendorID    byte   // Software vendor ID
	SWType        byte   // Software type
	SWSubType     byte   // Software subtype
	SWMajorVer    byte   // Software major version
	SWMinorVer    byte   // Software minor version
	SWStorageSize byte   // Software storage size
	SWProtocol    byte   // Software protocol
	UID           []byte // 7-byte UID (zero on random-ID cards)
	BatchNo       []byte // 5-byte batch number
	ProdWeek      byte   // Production week (BCD)
	ProdYear      byte   // Production year (BCD)
}

// StorageBytes decodes the storage size byte: 2^(n>>1), with the low bit
// meaning "between that and the next power".
func (v *TagVersion) StorageBytes() int {
	return 1 << (v.HWStorageSize >> 1)
}

// String prints a one line summary.
func (v *TagVersion) String() string {
	return fmt.Sprintf("vendor=0x%02X type=0x%02X hw=%d.%d sw=%d.%d storage=%dB",
		v.HWVendorID, v.HWType, v.HWMajorVer, v.HWMinorVer, v.SWMajorVer, v.SWMinorVer, v.StorageBytes())
}

// GetVersion retrieves the card version information using DESFire GetVersion
// (INS 0x60). This is a three-part exchange: 7 bytes hardware info, 7 bytes
// software info, 14 bytes production info.
func (t *Tag) GetVersion() (*TagVersion, error) {
	data, err := t.command(insGetVersion, nil)
	if err != nil {
		return nil, err
	}
	return parseVersion(data)
}

func parseVersion(data []byte) (*TagVersion, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("%w (len=%d)", errShortVersion, len(data))
	}
	return &TagVersion{
		HWVendorID:    data[0],
		HWType:        data[1],
		HWSubType:     data[2],
		HWMajorVer:    data[3],
		HWMinorVer:    data[4],
		HWStorageSize: data[5],
		HWProtocol:    data[6],
		SWVendorID:    data[7],
		SWType:        data[8],
		SWSubType:     data[9],
		SWMajorVer:    data[10],
		SWMinorVer:    data[11],
		SWStorageSize: data[12],
		SWProtocol:    data[13],
		UID:           append([]byte(nil), data[14:21]...),
		BatchNo:       append([]byte(nil), data[21:26]...),
		ProdWeek:      data[26],
		ProdYear:      data[27],
	}, nil
}
