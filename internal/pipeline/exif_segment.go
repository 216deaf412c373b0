package pipeline

import (
	"bytes"
	"encoding/binary"
)

const (
	markerSOI  = 0xD8
	markerSOS  = 0xDA
	markerAPP1 = 0xE1

	tagOrientation = 0x0112
	typeShort      = 3
)

var exifHeader = []byte("Exif\x00\x00")

// extractEXIF returns a copy of the first APP1 EXIF payload of a JPEG stream,
// or nil for non-JPEG data and JPEGs without one.
func extractEXIF(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil
	}

	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return nil
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++
			continue
		}
		if marker == markerSOS {
			return nil
		}
		length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if length < 2 || pos+2+length > len(data) {
			return nil
		}
		payload := data[pos+4 : pos+2+length]
		if marker == markerAPP1 && bytes.HasPrefix(payload, exifHeader) {
			return append([]byte(nil), payload...)
		}
		pos += 2 + length
	}
	return nil
}

// resetOrientation rewrites the IFD0 orientation tag to 1 in place. The output
// pixels are already upright, so a carried-over tag would rotate them twice.
func resetOrientation(payload []byte) {
	if !bytes.HasPrefix(payload, exifHeader) {
		return
	}
	tiff := payload[len(exifHeader):]
	if len(tiff) < 8 {
		return
	}

	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return
	}

	ifd := int(order.Uint32(tiff[4:8]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return
	}
	count := int(order.Uint16(tiff[ifd : ifd+2]))
	for i := 0; i < count; i++ {
		entry := ifd + 2 + i*12
		if entry+12 > len(tiff) {
			return
		}
		if order.Uint16(tiff[entry:entry+2]) != tagOrientation {
			continue
		}
		if order.Uint16(tiff[entry+2:entry+4]) == typeShort {
			order.PutUint16(tiff[entry+8:entry+10], uint16(OrientationNormal))
		}
		return
	}
}
