// Package ogg demuxes Ogg Vorbis streams and decodes Vorbis audio.
//
// Ogg carries no index, so the demuxer locates pages by their capture
// pattern and checksum. After a flush it can start anywhere in the stream:
// bytes before the next valid page are skipped, as is the tail of a packet
// whose start was never seen. Packet timestamps come from page granule
// positions.
package ogg

import (
	"encoding/binary"
	"errors"
)

const (
	pageHeaderSize = 27

	flagContinued = 0x01
	flagBOS       = 0x02
	flagEOS       = 0x04
)

var capturePattern = [4]byte{'O', 'g', 'g', 'S'}

var errShortPage = errors.New("ogg: short page")

// page is a checksummed Ogg page. body aliases the input.
type page struct {
	flags    byte
	granule  int64
	serial   uint32
	sequence uint32
	segments []byte
	body     []byte
	size     int
}

// parsePage reads the page at the start of data. It returns errShortPage
// when data holds only part of it and ok=false when the header or checksum
// is invalid.
func parsePage(data []byte) (p page, ok bool, err error) {
	if len(data) < pageHeaderSize {
		return page{}, false, errShortPage
	}
	if [4]byte(data[0:4]) != capturePattern || data[4] != 0 {
		return page{}, false, nil
	}
	nseg := int(data[26])
	if len(data) < pageHeaderSize+nseg {
		return page{}, false, errShortPage
	}
	segments := data[pageHeaderSize : pageHeaderSize+nseg]
	bodyLen := 0
	for _, s := range segments {
		bodyLen += int(s)
	}
	size := pageHeaderSize + nseg + bodyLen
	if len(data) < size {
		return page{}, false, errShortPage
	}
	if binary.LittleEndian.Uint32(data[22:26]) != checksum(data[:size]) {
		return page{}, false, nil
	}
	return page{
		flags:    data[5],
		granule:  int64(binary.LittleEndian.Uint64(data[6:14])),
		serial:   binary.LittleEndian.Uint32(data[14:18]),
		sequence: binary.LittleEndian.Uint32(data[18:22]),
		segments: segments,
		body:     data[pageHeaderSize+nseg : size],
		size:     size,
	}, true, nil
}

// crcTable is the Ogg CRC-32: polynomial 0x04c11db7, no reflection, zero
// initial value and no final xor.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// checksum computes the page CRC with the checksum field read as zero.
func checksum(pg []byte) uint32 {
	var crc uint32
	for i, b := range pg {
		if i >= 22 && i < 26 {
			b = 0
		}
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// AppendPage appends one page carrying packets to dst. A packet that does
// not fit in 255 segments is not split across pages; callers keep packets
// small enough for a single page.
func AppendPage(dst []byte, flags byte, granule int64, serial, sequence uint32, packets ...[]byte) []byte {
	var segments []byte
	var body []byte
	for _, pkt := range packets {
		n := len(pkt)
		for n >= 255 {
			segments = append(segments, 255)
			n -= 255
		}
		segments = append(segments, byte(n))
		body = append(body, pkt...)
	}

	start := len(dst)
	dst = append(dst, capturePattern[:]...)
	dst = append(dst, 0, flags)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(granule))
	dst = binary.LittleEndian.AppendUint32(dst, serial)
	dst = binary.LittleEndian.AppendUint32(dst, sequence)
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	dst = append(dst, byte(len(segments)))
	dst = append(dst, segments...)
	dst = append(dst, body...)
	binary.LittleEndian.PutUint32(dst[start+22:], checksum(dst[start:]))
	return dst
}
