// Package fmp4test builds small, valid fMP4 segments for tests: a single
// H.264 video track with a 1kHz timescale.
package fmp4test

import (
	"encoding/binary"
)

// TrackID is the id of the only track.
const TrackID = 1

func box(typ string, payload ...[]byte) []byte {
	n := 8
	for _, p := range payload {
		n += len(p)
	}
	out := binary.BigEndian.AppendUint32(make([]byte, 0, n), uint32(n))
	out = append(out, typ...)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

func fullBox(typ string, flags uint32, fields ...uint32) []byte {
	p := []byte{0, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	for _, f := range fields {
		p = binary.BigEndian.AppendUint32(p, f)
	}
	return box(typ, p)
}

// Init returns an init segment (ftyp + moov).
func Init() []byte {
	tkhd := fullBox("tkhd", 3, 0, 0, TrackID, 0, 0)
	mdhd := fullBox("mdhd", 0, 0, 0, 1000, 0, 0)
	hdlr := box("hdlr", make([]byte, 8), []byte("vide"), make([]byte, 13))
	stsd := fullBox("stsd", 0, 1)
	stsd = append(stsd, box("avc1", make([]byte, 8))...)
	binary.BigEndian.PutUint32(stsd, uint32(len(stsd)))
	minf := box("minf", box("stbl", stsd))
	trex := fullBox("trex", 0, TrackID, 1, 0, 0, 0)
	moov := box("moov", box("trak", tkhd, box("mdia", mdhd, hdlr, minf)), box("mvex", trex))
	return append(box("ftyp", []byte("iso6"), make([]byte, 4)), moov...)
}

// Media returns a moof+mdat pair with one sample lasting ms milliseconds.
func Media(seq, ms uint32, sample []byte) []byte {
	tfhd := fullBox("tfhd", 0x020000, TrackID)
	trun := fullBox("trun", 0x000100|0x000200, 1, ms, uint32(len(sample)))
	moof := box("moof", fullBox("mfhd", 0, seq), box("traf", tfhd, trun))
	return append(moof, box("mdat", sample)...)
}

// AVCC length-prefixes NAL units as they appear in an fMP4 video sample.
func AVCC(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// Declared returns a moof+mdat pair whose trun claims count samples
// without describing any of them.
func Declared(seq, count uint32) []byte {
	tfhd := fullBox("tfhd", 0x020000, TrackID)
	trun := fullBox("trun", 0, count)
	moof := box("moof", fullBox("mfhd", 0, seq), box("traf", tfhd, trun))
	return append(moof, box("mdat")...)
}
