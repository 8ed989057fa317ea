package nvmespec

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/HewlettPackard/structex"
	"github.com/pkg/errors"
)

// Identify CNS values.
const (
	CNSNamespace       = 0x00
	CNSController      = 0x01
	CNSActiveNamespace = 0x02
)

// IdentifyDataSize is the size of every Identify data structure.
const IdentifyDataSize = 4096

// MaxActiveNamespaces is the number of entries in an active namespace list.
const MaxActiveNamespaces = IdentifyDataSize / 4

// IdentifyController is the Identify Controller data structure (CNS 01h).
type IdentifyController struct {
	VID         uint16   // PCI vendor id
	SSVID       uint16   // PCI subsystem vendor id
	SN          [20]byte // serial number
	MN          [40]byte // model number
	FR          [8]byte  // firmware revision
	RAB         uint8
	IEEE        [3]byte
	CMIC        uint8
	MDTS        uint8 // maximum data transfer size, as a power of two of CAP.MPSMIN
	CNTLID      uint16
	VER         uint32
	RTD3R       uint32
	RTD3E       uint32
	OAES        uint32
	CTRATT      uint32
	Reserved100 [156]byte
	OACS        uint16
	ACL         uint8
	AERL        uint8
	FRMW        uint8
	LPA         uint8
	ELPE        uint8
	NPSS        uint8
	AVSCC       uint8
	APSTA       uint8
	WCTEMP      uint16
	CCTEMP      uint16
	Reserved270 [242]byte
	SQES        uint8
	CQES        uint8
	MAXCMD      uint16
	NN          uint32 // number of namespaces
	ONCS        uint16
	FUSES       uint16
	FNA         uint8
	VWC         uint8
	AWUN        uint16
	AWUPF       uint16
	NVSCC       uint8
	NWPC        uint8
	ACWU        uint16
	Reserved534 [2]byte
	SGLS        uint32
	Reserved540 [3556]byte
}

// Optional NVM command support bits in ONCS.
const (
	ONCSDatasetManagement = 1 << 2
	ONCSWriteZeroes       = 1 << 3
)

// Model returns the trimmed model number.
func (id *IdentifyController) Model() string { return trimField(id.MN[:]) }

// Serial returns the trimmed serial number.
func (id *IdentifyController) Serial() string { return trimField(id.SN[:]) }

// Firmware returns the trimmed firmware revision.
func (id *IdentifyController) Firmware() string { return trimField(id.FR[:]) }

// MaxTransferSize returns the largest transfer in bytes for the given minimum
// page size, or 0 when the controller reports no limit.
func (id *IdentifyController) MaxTransferSize(mpsMin uint64) uint64 {
	if id.MDTS == 0 {
		return 0
	}

	return mpsMin << id.MDTS
}

// FormattedLBASize is the FLBAS field of Identify Namespace.
type FormattedLBASize struct {
	Format   uint8 `bitfield:"4"`
	Metadata uint8 `bitfield:"1"`
	Reserved uint8 `bitfield:"3"`
}

// LBAFormat describes one supported LBA format.
type LBAFormat struct {
	MS    uint16 // metadata size
	LBADS uint8  // log2 of the LBA data size
	RP    uint8  // relative performance
}

// IdentifyNamespace is the Identify Namespace data structure (CNS 00h).
type IdentifyNamespace struct {
	NSZE           uint64
	NCAP           uint64
	NUSE           uint64
	NSFEAT         uint8
	NLBAF          uint8
	FLBAS          FormattedLBASize
	MC             uint8
	DPC            uint8
	DPS            uint8
	NMIC           uint8
	RESCAP         uint8
	FPI            uint8
	DLFEAT         uint8
	NAWUN          uint16
	NAWUPF         uint16
	NACWU          uint16
	NABSN          uint16
	NABO           uint16
	NABSPF         uint16
	NOIOB          uint16
	NVMCAP         [16]byte
	NPWG           uint16
	NPWA           uint16
	NPDG           uint16
	NPDA           uint16
	NOWS           uint16
	Reserved74     [18]byte
	ANAGRPID       uint32
	Reserved96     [3]byte
	NSATTR         uint8
	NVMSETID       uint16
	ENDGID         uint16
	NGUID          [16]byte
	EUI64          [8]byte
	LBAFormats     [16]LBAFormat
	Reserved192    [192]byte
	VendorSpecific [3712]byte
}

// BlockSize returns the logical block size of the formatted LBA format.
func (ns *IdentifyNamespace) BlockSize() uint32 {
	lbads := ns.LBAFormats[ns.FLBAS.Format&0xF].LBADS
	if lbads < 9 {
		return 0
	}

	return 1 << lbads
}

// BlockCount returns the namespace size in logical blocks.
func (ns *IdentifyNamespace) BlockCount() uint64 { return ns.NSZE }

// DecodeIdentifyController decodes a 4 KiB Identify Controller page.
func DecodeIdentifyController(buf []byte) (*IdentifyController, error) {
	if len(buf) < IdentifyDataSize {
		return nil, errors.Errorf("identify controller: short buffer (%d bytes)", len(buf))
	}

	id := new(IdentifyController)
	if err := structex.Decode(bytes.NewReader(buf[:IdentifyDataSize]), id); err != nil {
		return nil, errors.Wrap(err, "identify controller")
	}

	return id, nil
}

// DecodeIdentifyNamespace decodes a 4 KiB Identify Namespace page.
func DecodeIdentifyNamespace(buf []byte) (*IdentifyNamespace, error) {
	if len(buf) < IdentifyDataSize {
		return nil, errors.Errorf("identify namespace: short buffer (%d bytes)", len(buf))
	}

	ns := new(IdentifyNamespace)
	if err := structex.Decode(bytes.NewReader(buf[:IdentifyDataSize]), ns); err != nil {
		return nil, errors.Wrap(err, "identify namespace")
	}

	return ns, nil
}

// Encode returns the 4 KiB wire form of id.
func (id *IdentifyController) Encode() ([]byte, error) {
	return encodeIdentify(*id)
}

// Encode returns the 4 KiB wire form of ns.
func (ns *IdentifyNamespace) Encode() ([]byte, error) {
	return encodeIdentify(*ns)
}

func encodeIdentify(v interface{}) ([]byte, error) {
	b, err := structex.EncodeByteBuffer(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode identify data")
	}
	if len(b) != IdentifyDataSize {
		return nil, errors.Errorf("encode identify data: got %d bytes", len(b))
	}

	return b, nil
}

// DecodeActiveNamespaces decodes an active namespace list. The list ends at
// the first zero entry.
func DecodeActiveNamespaces(buf []byte) []uint32 {
	var ids []uint32
	for off := 0; off+4 <= len(buf) && off < IdentifyDataSize; off += 4 {
		nsid := binary.LittleEndian.Uint32(buf[off:])
		if nsid == 0 {
			break
		}
		ids = append(ids, nsid)
	}

	return ids
}

// EncodeActiveNamespaces writes the namespace ids greater than after into a
// 4 KiB active namespace list.
func EncodeActiveNamespaces(nsids []uint32, after uint32) []byte {
	buf := make([]byte, IdentifyDataSize)
	off := 0
	for _, nsid := range nsids {
		if nsid <= after {
			continue
		}
		if off == IdentifyDataSize {
			break
		}
		binary.LittleEndian.PutUint32(buf[off:], nsid)
		off += 4
	}

	return buf
}

// SetString copies s into a space padded identify field.
func SetString(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}

func trimField(b []byte) string {
	return strings.TrimRight(string(bytes.TrimRight(b, "\x00")), " ")
}
