package fmp4

import (
	"encoding/binary"
)

// Test helpers that assemble minimal fMP4 boxes.

func box(typ string, payload ...[]byte) []byte {
	n := 8
	for _, p := range payload {
		n += len(p)
	}
	out := make([]byte, 8, n)
	binary.BigEndian.PutUint32(out, uint32(n))
	copy(out[4:], typ)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

func full(version byte, flags uint32, body ...[]byte) []byte {
	out := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	for _, b := range body {
		out = append(out, b...)
	}
	return out
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func zeros(n int) []byte {
	return make([]byte, n)
}

type testTrack struct {
	id        uint32
	handler   string
	codec     string
	timescale uint32
	defDur    uint32
	defSize   uint32
}

func initSegment(tracks ...testTrack) []byte {
	var traks, trexs [][]byte
	for _, tr := range tracks {
		tkhd := box("tkhd", full(0, 3, zeros(8), u32(tr.id), zeros(60)))
		mdhd := box("mdhd", full(0, 0, zeros(8), u32(tr.timescale), u32(0), zeros(4)))
		hdlr := box("hdlr", full(0, 0, zeros(4), []byte(tr.handler), zeros(12), []byte("h\x00")))
		mdia := [][]byte{mdhd, hdlr}
		if tr.codec != "" {
			stsd := box("stsd", full(0, 0, u32(1), box(tr.codec, zeros(8))))
			mdia = append(mdia, box("minf", box("stbl", stsd)))
		}
		traks = append(traks, box("trak", tkhd, box("mdia", mdia...)))
		trexs = append(trexs, box("trex", full(0, 0, u32(tr.id), u32(1), u32(tr.defDur), u32(tr.defSize), u32(0))))
	}
	mvex := box("mvex", trexs...)
	moov := box("moov", append(traks, mvex)...)
	ftyp := box("ftyp", []byte("iso6"), u32(0), []byte("iso6mp41"))
	return append(ftyp, moov...)
}

type testRun struct {
	track     uint32
	baseTime  uint64
	durations []uint32
	samples   [][]byte
}

// mediaSegment builds a moof+mdat pair whose trun data offsets are relative
// to the start of the moof.
func mediaSegment(seq uint32, runs ...testRun) []byte {
	build := func(offsets []int32) []byte {
		var trafs [][]byte
		for i, r := range runs {
			tfhd := box("tfhd", full(0, 0x020000, u32(r.track)))
			tfdt := box("tfdt", full(1, 0, u64(r.baseTime)))
			var entries []byte
			for j, d := range r.durations {
				entries = append(entries, u32(d)...)
				entries = append(entries, u32(uint32(len(r.samples[j])))...)
			}
			trun := box("trun", full(0, trunDataOffset|trunSampleDuration|trunSampleSize,
				u32(uint32(len(r.durations))), u32(uint32(offsets[i])), entries))
			trafs = append(trafs, box("traf", tfhd, tfdt, trun))
		}
		mfhd := box("mfhd", full(0, 0, u32(seq)))
		return box("moof", append([][]byte{mfhd}, trafs...)...)
	}

	// First pass sizes the moof; offsets do not change its length.
	offsets := make([]int32, len(runs))
	moofLen := len(build(offsets))
	pos := moofLen + 8
	var payload []byte
	for i, r := range runs {
		offsets[i] = int32(pos)
		for _, s := range r.samples {
			payload = append(payload, s...)
			pos += len(s)
		}
	}
	return append(build(offsets), box("mdat", payload)...)
}
