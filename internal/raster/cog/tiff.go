package cog

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// A COG is a plain TIFF with a constrained layout, so parsing is an IFD
// walk: the first directory is the full-resolution image and each
// following one is an overview. Geo tags live on the first directory.

const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeSByte    = 6
	typeSShort   = 8
	typeSLong    = 9
	typeFloat    = 11
	typeDouble   = 12
	typeLong8    = 16
	typeSLong8   = 17
	typeIFD8     = 18

	maxIFDs = 32
)

var typeSizes = map[uint16]uint64{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeSShort: 2, typeSLong: 4, typeFloat: 4, typeDouble: 8,
	typeLong8: 8, typeSLong8: 8, typeIFD8: 8,
}

type entry struct {
	typ   uint16
	count uint64
	raw   []byte
}

type directory map[uint16]entry

func parse(src *source) (*dataset, error) {
	hdr, err := src.readAt(0, 16)
	if err != nil {
		return nil, err
	}
	var order binary.ByteOrder
	switch {
	case hdr[0] == 'I' && hdr[1] == 'I':
		order = binary.LittleEndian
	case hdr[0] == 'M' && hdr[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a tiff: bad byte-order mark %x", hdr[:2])
	}
	var big bool
	var next uint64
	switch order.Uint16(hdr[2:]) {
	case 42:
		next = uint64(order.Uint32(hdr[4:]))
	case 43:
		if order.Uint16(hdr[4:]) != 8 {
			return nil, fmt.Errorf("bigtiff offset size %d unsupported", order.Uint16(hdr[4:]))
		}
		big = true
		next = order.Uint64(hdr[8:])
	default:
		return nil, fmt.Errorf("not a tiff: version %d", order.Uint16(hdr[2:]))
	}

	d := &dataset{order: order}
	for n := 0; next != 0 && n < maxIFDs; n++ {
		dir, after, err := readDirectory(src, order, big, next)
		if err != nil {
			return nil, err
		}
		lvl, err := buildLevel(order, dir)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if err := d.readGeo(order, dir); err != nil {
				return nil, err
			}
		}
		d.levels = append(d.levels, *lvl)
		next = after
	}
	if len(d.levels) == 0 {
		return nil, fmt.Errorf("tiff has no image directories")
	}
	// Overviews must shrink monotonically for level selection to work.
	for i := 1; i < len(d.levels); i++ {
		if d.levels[i].width >= d.levels[i-1].width {
			d.levels = d.levels[:i]
			break
		}
	}
	return d, nil
}

func readDirectory(src *source, order binary.ByteOrder, big bool, off uint64) (directory, uint64, error) {
	var count uint64
	entrySize := uint64(12)
	countSize := uint64(2)
	if big {
		entrySize, countSize = 20, 8
	}
	b, err := src.readAt(int64(off), int64(countSize))
	if err != nil {
		return nil, 0, err
	}
	if big {
		count = order.Uint64(b)
	} else {
		count = uint64(order.Uint16(b))
	}
	if count == 0 || count > 4096 {
		return nil, 0, fmt.Errorf("implausible ifd entry count %d", count)
	}
	nextSize := uint64(4)
	if big {
		nextSize = 8
	}
	body, err := src.readAt(int64(off+countSize), int64(count*entrySize+nextSize))
	if err != nil {
		return nil, 0, err
	}

	dir := make(directory, count)
	inline := uint64(4) // value field width inside an entry
	if big {
		inline = 8
	}
	for i := uint64(0); i < count; i++ {
		e := body[i*entrySize:]
		tag := order.Uint16(e)
		typ := order.Uint16(e[2:])
		var n uint64
		var val []byte
		if big {
			n = order.Uint64(e[4:])
			val = e[12 : 12+inline]
		} else {
			n = uint64(order.Uint32(e[4:]))
			val = e[8 : 8+inline]
		}
		size, ok := typeSizes[typ]
		if !ok {
			continue
		}
		total := size * n
		raw := val[:min64(total, inline)]
		if total > inline {
			var valOff uint64
			if big {
				valOff = order.Uint64(val)
			} else {
				valOff = uint64(order.Uint32(val))
			}
			raw, err = src.readAt(int64(valOff), int64(total))
			if err != nil {
				return nil, 0, err
			}
		}
		dir[tag] = entry{typ: typ, count: n, raw: raw}
	}

	var next uint64
	tail := body[count*entrySize:]
	if big {
		next = order.Uint64(tail)
	} else {
		next = uint64(order.Uint32(tail))
	}
	return dir, next, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (dir directory) uints(order binary.ByteOrder, tag uint16) []uint64 {
	e, ok := dir[tag]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, e.count)
	for i := uint64(0); i < e.count; i++ {
		b := e.raw[i*typeSizes[e.typ]:]
		switch e.typ {
		case typeByte, typeSByte:
			out = append(out, uint64(b[0]))
		case typeShort, typeSShort:
			out = append(out, uint64(order.Uint16(b)))
		case typeLong, typeSLong:
			out = append(out, uint64(order.Uint32(b)))
		case typeLong8, typeSLong8, typeIFD8:
			out = append(out, order.Uint64(b))
		default:
			return nil
		}
	}
	return out
}

func (dir directory) uint(order binary.ByteOrder, tag uint16, def uint64) uint64 {
	v := dir.uints(order, tag)
	if len(v) == 0 {
		return def
	}
	return v[0]
}

func (dir directory) doubles(order binary.ByteOrder, tag uint16) []float64 {
	e, ok := dir[tag]
	if !ok || e.typ != typeDouble {
		return nil
	}
	out := make([]float64, 0, e.count)
	for i := uint64(0); i < e.count; i++ {
		out = append(out, math.Float64frombits(order.Uint64(e.raw[i*8:])))
	}
	return out
}

func (dir directory) ascii(tag uint16) string {
	e, ok := dir[tag]
	if !ok || e.typ != typeASCII {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00")
}

func buildLevel(order binary.ByteOrder, dir directory) (*level, error) {
	lvl := &level{
		width:       uint32(dir.uint(order, tagImageWidth, 0)),
		height:      uint32(dir.uint(order, tagImageLength, 0)),
		compression: uint16(dir.uint(order, tagCompression, compressionNone)),
		predictor:   uint16(dir.uint(order, tagPredictor, 1)),
		bits:        uint16(dir.uint(order, tagBitsPerSample, 8)),
		format:      uint16(dir.uint(order, tagSampleFormat, sampleUint)),
		samples:     uint16(dir.uint(order, tagSamplesPerPixel, 1)),
	}
	if lvl.width == 0 || lvl.height == 0 {
		return nil, fmt.Errorf("image directory missing dimensions")
	}
	switch lvl.bits {
	case 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("unsupported bits per sample %d", lvl.bits)
	}

	if _, tiled := dir[tagTileOffsets]; tiled {
		lvl.tileW = uint32(dir.uint(order, tagTileWidth, 0))
		lvl.tileH = uint32(dir.uint(order, tagTileLength, 0))
		lvl.offsets = dir.uints(order, tagTileOffsets)
		lvl.counts = dir.uints(order, tagTileByteCounts)
	} else {
		// Strips read as full-width tiles.
		lvl.tileW = lvl.width
		rows := dir.uint(order, tagRowsPerStrip, uint64(lvl.height))
		if rows > uint64(lvl.height) {
			rows = uint64(lvl.height)
		}
		lvl.tileH = uint32(rows)
		lvl.offsets = dir.uints(order, tagStripOffsets)
		lvl.counts = dir.uints(order, tagStripByteCounts)
	}
	if lvl.tileW == 0 || lvl.tileH == 0 {
		return nil, fmt.Errorf("image directory missing tile dimensions")
	}
	if len(lvl.offsets) == 0 || len(lvl.offsets) != len(lvl.counts) {
		return nil, fmt.Errorf("tile offsets (%d) and byte counts (%d) disagree", len(lvl.offsets), len(lvl.counts))
	}
	return lvl, nil
}

// readGeo pulls the affine transform, CRS code and nodata value off the
// full-resolution directory.
func (d *dataset) readGeo(order binary.ByteOrder, dir directory) error {
	scale := dir.doubles(order, tagPixelScale)
	tie := dir.doubles(order, tagTiepoint)
	if len(scale) < 2 || len(tie) < 6 {
		return fmt.Errorf("geotiff missing pixel scale or tiepoint")
	}
	if scale[0] == 0 || scale[1] == 0 {
		return fmt.Errorf("geotiff has zero pixel scale")
	}
	// Tiepoint maps raster (i,j) to model (x,y); COGs anchor at (0,0).
	d.originX = tie[3] - tie[0]*scale[0]
	d.originY = tie[4] + tie[1]*scale[1]
	d.scaleX = scale[0]
	d.scaleY = scale[1]

	keys := dir.uints(order, tagGeoKeys)
	d.epsg = 4326
	if len(keys) >= 4 {
		n := keys[3]
		for i := uint64(0); i < n && 4+i*4+3 < uint64(len(keys)); i++ {
			k := keys[4+i*4]
			loc := keys[4+i*4+1]
			val := keys[4+i*4+3]
			if loc != 0 {
				continue
			}
			switch k {
			case geoKeyProjectedCS:
				d.epsg = int(val)
			case geoKeyGeographicType:
				if d.epsg == 4326 {
					d.epsg = int(val)
				}
			}
		}
	}

	if s := dir.ascii(tagGDALNodata); s != "" {
		s = strings.TrimSpace(s)
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			d.nodata = &v
		}
	}
	return nil
}
