package fmp4

import (
	"fmt"
)

// Track holds the per-track parameters from an init segment.
type Track struct {
	ID                    uint32
	Handler               string // "vide", "soun", ...
	Codec                 string // sample entry type: "avc1", "hvc1", "mp4a", ...
	Timescale             uint32
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
}

// Init is a parsed init segment (ftyp + moov).
type Init struct {
	Tracks []Track
	// Raw holds the init segment bytes, ready to prefix a media stream.
	Raw []byte
}

// Track returns the track with the given ID.
func (in *Init) Track(id uint32) (Track, bool) {
	for _, t := range in.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Sample is one media sample. Data aliases the parsed buffer.
type Sample struct {
	Duration uint32
	Size     uint32
	Data     []byte
}

// Run is the sample run for one track within a fragment.
type Run struct {
	TrackID        uint32
	Handler        string
	Timescale      uint32
	BaseDecodeTime uint64
	Samples        []Sample
}

// Duration returns the run's duration in seconds.
func (r Run) Duration() float64 {
	if r.Timescale == 0 {
		return 0
	}
	var total uint64
	for _, s := range r.Samples {
		total += uint64(s.Duration)
	}
	return float64(total) / float64(r.Timescale)
}

// Fragment is a parsed moof and its sample runs.
type Fragment struct {
	Sequence uint32
	Runs     []Run
}

// Duration returns the fragment's duration in seconds: the longest of its
// track runs.
func (f *Fragment) Duration() float64 {
	var d float64
	for _, r := range f.Runs {
		d = max(d, r.Duration())
	}
	return d
}

// Segment is everything parsed from one transport message: an optional
// init segment and zero or more media fragments.
type Segment struct {
	Init      *Init
	Fragments []*Fragment
}

// Duration returns the summed duration of the media fragments in seconds.
func (s *Segment) Duration() float64 {
	var d float64
	for _, f := range s.Fragments {
		d += f.Duration()
	}
	return d
}

// Parse reads an init segment and/or media fragments from data. init is
// the previously seen init segment; it is required for media fragments
// unless data carries its own moov.
func Parse(data []byte, init *Init) (*Segment, error) {
	boxes, err := ReadBoxes(data, 0)
	if err != nil {
		return nil, err
	}

	seg := &Segment{}
	cur := init
	for i, b := range boxes {
		switch b.Type {
		case "moov":
			in, err := parseMoov(b)
			if err != nil {
				return nil, err
			}
			in.Raw = data[:b.Offset+b.HeaderSize+len(b.Payload)]
			seg.Init = in
			cur = in

		case "moof":
			if cur == nil {
				return nil, ErrNoInit
			}
			mdat, ok := find(boxes[i+1:], "mdat")
			if !ok {
				return nil, &ParseError{Box: "moof", Err: fmt.Errorf("no mdat follows")}
			}
			frag, err := parseMoof(data, b, mdat, cur)
			if err != nil {
				return nil, err
			}
			seg.Fragments = append(seg.Fragments, frag)
		}
	}
	return seg, nil
}

func parseMoov(moov Box) (*Init, error) {
	kids, err := children(moov)
	if err != nil {
		return nil, &ParseError{Box: "moov", Err: err}
	}

	in := &Init{}
	for _, k := range kids {
		if k.Type != "trak" {
			continue
		}
		t, err := parseTrak(k)
		if err != nil {
			return nil, err
		}
		in.Tracks = append(in.Tracks, t)
	}

	if mvex, ok := find(kids, "mvex"); ok {
		mk, err := children(mvex)
		if err != nil {
			return nil, &ParseError{Box: "mvex", Err: err}
		}
		for _, k := range mk {
			if k.Type != "trex" {
				continue
			}
			_, _, body, err := fullBox(k.Payload)
			if err != nil {
				return nil, &ParseError{Box: "trex", Err: err}
			}
			r := &reader{buf: body}
			id := r.u32()
			r.skip(4) // default_sample_description_index
			dur := r.u32()
			size := r.u32()
			if r.err != nil {
				return nil, &ParseError{Box: "trex", Err: r.err}
			}
			for i := range in.Tracks {
				if in.Tracks[i].ID == id {
					in.Tracks[i].DefaultSampleDuration = dur
					in.Tracks[i].DefaultSampleSize = size
				}
			}
		}
	}
	return in, nil
}

func parseTrak(trak Box) (Track, error) {
	var t Track
	kids, err := children(trak)
	if err != nil {
		return t, &ParseError{Box: "trak", Err: err}
	}

	if tkhd, ok := find(kids, "tkhd"); ok {
		v, _, body, err := fullBox(tkhd.Payload)
		if err != nil {
			return t, &ParseError{Box: "tkhd", Err: err}
		}
		r := &reader{buf: body}
		if v == 1 {
			r.skip(16)
		} else {
			r.skip(8)
		}
		t.ID = r.u32()
		if r.err != nil {
			return t, &ParseError{Box: "tkhd", Err: r.err}
		}
	}

	mdia, ok := find(kids, "mdia")
	if !ok {
		return t, &ParseError{Box: "trak", Err: fmt.Errorf("missing mdia")}
	}
	mk, err := children(mdia)
	if err != nil {
		return t, &ParseError{Box: "mdia", Err: err}
	}

	if mdhd, ok := find(mk, "mdhd"); ok {
		v, _, body, err := fullBox(mdhd.Payload)
		if err != nil {
			return t, &ParseError{Box: "mdhd", Err: err}
		}
		r := &reader{buf: body}
		if v == 1 {
			r.skip(16)
		} else {
			r.skip(8)
		}
		t.Timescale = r.u32()
		if r.err != nil {
			return t, &ParseError{Box: "mdhd", Err: r.err}
		}
	}

	if hdlr, ok := find(mk, "hdlr"); ok {
		_, _, body, err := fullBox(hdlr.Payload)
		if err != nil {
			return t, &ParseError{Box: "hdlr", Err: err}
		}
		r := &reader{buf: body}
		r.skip(4) // pre_defined
		t.Handler = r.fourCC()
		if r.err != nil {
			return t, &ParseError{Box: "hdlr", Err: r.err}
		}
	}

	codec, err := sampleEntry(mk)
	if err != nil {
		return t, err
	}
	t.Codec = codec
	return t, nil
}

// sampleEntry returns the type of the first stsd entry under minf/stbl.
func sampleEntry(mdia []Box) (string, error) {
	minf, ok := find(mdia, "minf")
	if !ok {
		return "", nil
	}
	kids, err := children(minf)
	if err != nil {
		return "", &ParseError{Box: "minf", Err: err}
	}
	stbl, ok := find(kids, "stbl")
	if !ok {
		return "", nil
	}
	if kids, err = children(stbl); err != nil {
		return "", &ParseError{Box: "stbl", Err: err}
	}
	stsd, ok := find(kids, "stsd")
	if !ok {
		return "", nil
	}
	_, _, body, err := fullBox(stsd.Payload)
	if err != nil {
		return "", &ParseError{Box: "stsd", Err: err}
	}
	r := &reader{buf: body}
	if r.u32() == 0 {
		return "", nil
	}
	r.skip(4) // entry size
	codec := r.fourCC()
	if r.err != nil {
		return "", &ParseError{Box: "stsd", Err: r.err}
	}
	return codec, nil
}

// tfhd flags.
const (
	tfhdBaseDataOffset  = 0x000001
	tfhdSampleDescIndex = 0x000002
	tfhdDefaultDuration = 0x000008
	tfhdDefaultSize     = 0x000010
	tfhdDefaultFlags    = 0x000020
)

// MaxRunSamples bounds the sample count of a single trun.
const MaxRunSamples = 1 << 20

// trun flags.
const (
	trunDataOffset       = 0x000001
	trunFirstSampleFlags = 0x000004
	trunSampleDuration   = 0x000100
	trunSampleSize       = 0x000200
	trunSampleFlags      = 0x000400
	trunSampleCTO        = 0x000800
)

func parseMoof(data []byte, moof, mdat Box, init *Init) (*Fragment, error) {
	kids, err := children(moof)
	if err != nil {
		return nil, &ParseError{Box: "moof", Err: err}
	}

	frag := &Fragment{}
	if mfhd, ok := find(kids, "mfhd"); ok {
		_, _, body, err := fullBox(mfhd.Payload)
		if err != nil {
			return nil, &ParseError{Box: "mfhd", Err: err}
		}
		r := &reader{buf: body}
		frag.Sequence = r.u32()
		if r.err != nil {
			return nil, &ParseError{Box: "mfhd", Err: r.err}
		}
	}

	mdatStart := mdat.Offset + mdat.HeaderSize
	for _, k := range kids {
		if k.Type != "traf" {
			continue
		}
		run, err := parseTraf(data, k, moof.Offset, mdatStart, init)
		if err != nil {
			return nil, err
		}
		frag.Runs = append(frag.Runs, run)
	}
	return frag, nil
}

func parseTraf(data []byte, traf Box, moofStart, mdatStart int, init *Init) (Run, error) {
	var run Run
	kids, err := children(traf)
	if err != nil {
		return run, &ParseError{Box: "traf", Err: err}
	}

	tfhd, ok := find(kids, "tfhd")
	if !ok {
		return run, &ParseError{Box: "traf", Err: fmt.Errorf("missing tfhd")}
	}
	_, flags, body, err := fullBox(tfhd.Payload)
	if err != nil {
		return run, &ParseError{Box: "tfhd", Err: err}
	}
	r := &reader{buf: body}
	run.TrackID = r.u32()
	base := moofStart
	if flags&tfhdBaseDataOffset != 0 {
		base = int(r.u64())
	}
	if flags&tfhdSampleDescIndex != 0 {
		r.skip(4)
	}

	track, ok := init.Track(run.TrackID)
	if !ok {
		return run, fmt.Errorf("track %d: %w", run.TrackID, ErrNoTrack)
	}
	run.Handler = track.Handler
	run.Timescale = track.Timescale

	defDuration := track.DefaultSampleDuration
	defSize := track.DefaultSampleSize
	if flags&tfhdDefaultDuration != 0 {
		defDuration = r.u32()
	}
	if flags&tfhdDefaultSize != 0 {
		defSize = r.u32()
	}
	if flags&tfhdDefaultFlags != 0 {
		r.skip(4)
	}
	if r.err != nil {
		return run, &ParseError{Box: "tfhd", Err: r.err}
	}

	if tfdt, ok := find(kids, "tfdt"); ok {
		v, _, body, err := fullBox(tfdt.Payload)
		if err != nil {
			return run, &ParseError{Box: "tfdt", Err: err}
		}
		tr := &reader{buf: body}
		if v == 1 {
			run.BaseDecodeTime = tr.u64()
		} else {
			run.BaseDecodeTime = uint64(tr.u32())
		}
		if tr.err != nil {
			return run, &ParseError{Box: "tfdt", Err: tr.err}
		}
	}

	for _, k := range kids {
		if k.Type != "trun" {
			continue
		}
		samples, err := parseTrun(data, k, base, mdatStart, defDuration, defSize)
		if err != nil {
			return run, err
		}
		run.Samples = append(run.Samples, samples...)
	}
	return run, nil
}

func parseTrun(data []byte, trun Box, base, mdatStart int, defDuration, defSize uint32) ([]Sample, error) {
	_, flags, body, err := fullBox(trun.Payload)
	if err != nil {
		return nil, &ParseError{Box: "trun", Err: err}
	}
	r := &reader{buf: body}
	count := r.u32()

	pos := mdatStart
	if flags&trunDataOffset != 0 {
		pos = base + int(int32(r.u32()))
	}
	if flags&trunFirstSampleFlags != 0 {
		r.skip(4)
	}
	if r.err != nil {
		return nil, &ParseError{Box: "trun", Err: r.err}
	}

	// Reject counts the remaining payload cannot hold before allocating.
	perSample := 0
	for _, f := range []uint32{trunSampleDuration, trunSampleSize, trunSampleFlags, trunSampleCTO} {
		if flags&f != 0 {
			perSample += 4
		}
	}
	if perSample > 0 && int(count) > (len(body)-r.pos)/perSample {
		return nil, &ParseError{Box: "trun", Err: ErrTruncated}
	}
	if count > MaxRunSamples {
		return nil, &ParseError{Box: "trun", Err: fmt.Errorf("%d samples: %w", count, ErrTooManySamples)}
	}
	if flags&trunSampleSize == 0 && defSize > 0 &&
		(pos < 0 || pos > len(data) || uint64(count)*uint64(defSize) > uint64(len(data)-pos)) {
		return nil, &ParseError{Box: "trun", Err: ErrTruncated}
	}

	samples := make([]Sample, 0, min(int(count), 4096))
	for i := uint32(0); i < count; i++ {
		s := Sample{Duration: defDuration, Size: defSize}
		if flags&trunSampleDuration != 0 {
			s.Duration = r.u32()
		}
		if flags&trunSampleSize != 0 {
			s.Size = r.u32()
		}
		if flags&trunSampleFlags != 0 {
			r.skip(4)
		}
		if flags&trunSampleCTO != 0 {
			r.skip(4)
		}
		if r.err != nil {
			return nil, &ParseError{Box: "trun", Err: r.err}
		}

		end := pos + int(s.Size)
		if pos < 0 || end > len(data) || end < pos {
			return nil, &ParseError{Box: "trun", Err: fmt.Errorf("sample %d at [%d,%d) outside %d bytes: %w", i, pos, end, len(data), ErrTruncated)}
		}
		s.Data = data[pos:end]
		pos = end
		samples = append(samples, s)
	}
	return samples, nil
}
