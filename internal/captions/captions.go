// Package captions extracts CEA-608 closed captions from the video samples
// of buffered fMP4 fragments.
package captions

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/livefeed/internal/fmp4"
)

// DefaultMaxLines is how many decoded lines a Tap retains.
const DefaultMaxLines = 64

// Line is one decoded caption update.
type Line struct {
	Channel int       `json:"channel"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

const (
	h264NALTypeSEI = 6
	hevcNALTypeSEI = 39 // prefix SEI
)

// Tap decodes captions from SEI NAL units. Its OnFragment method is meant
// to be installed as a buffer fragment hook.
type Tap struct {
	log      *slog.Logger
	maxLines int
	now      func() time.Time

	mu       sync.Mutex
	decoders map[int]*ccx.CEA608Decoder
	lines    []Line
	lastCtrl [2][2]byte
	wasCtrl  [2]bool
}

// NewTap creates a Tap that keeps the most recent maxLines lines.
func NewTap(maxLines int, log *slog.Logger) *Tap {
	if log == nil {
		log = slog.Default()
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Tap{
		log:      log.With("component", "captions"),
		maxLines: maxLines,
		now:      time.Now,
		decoders: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
}

// OnFragment scans the video runs of frag for caption SEI messages.
func (t *Tap) OnFragment(init *fmp4.Init, frag *fmp4.Fragment) {
	if init == nil || frag == nil {
		return
	}
	for _, run := range frag.Runs {
		track, ok := init.Track(run.TrackID)
		if !ok || track.Handler != "vide" {
			continue
		}
		isSEI := seiMatcher(track.Codec)
		if isSEI == nil {
			continue
		}
		for _, s := range run.Samples {
			for _, nal := range splitAVCC(s.Data) {
				if isSEI(nal) {
					t.handleSEI(nal)
				}
			}
		}
	}
}

func seiMatcher(codec string) func(nal []byte) bool {
	switch codec {
	case "avc1", "avc3":
		return func(nal []byte) bool { return nal[0]&0x1F == h264NALTypeSEI }
	case "hvc1", "hev1":
		return func(nal []byte) bool { return (nal[0]>>1)&0x3F == hevcNALTypeSEI }
	}
	return nil
}

// splitAVCC splits a sample of 4-byte length-prefixed NAL units. A length
// running past the sample ends the walk.
func splitAVCC(sample []byte) [][]byte {
	var nals [][]byte
	for len(sample) >= 4 {
		n := int(binary.BigEndian.Uint32(sample))
		sample = sample[4:]
		if n == 0 || n > len(sample) {
			break
		}
		nals = append(nals, sample[:n])
		sample = sample[n:]
	}
	return nals
}

func (t *Tap) handleSEI(nal []byte) {
	cd := ccx.ExtractCaptions(nal)
	if cd == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are sent twice; decode the first only.
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if t.wasCtrl[f] && t.lastCtrl[f] == cp {
				t.wasCtrl[f] = false
				continue
			}
			t.lastCtrl[f] = cp
			t.wasCtrl[f] = true
		} else {
			t.wasCtrl[f] = false
		}

		dec := t.decoders[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			t.appendLine(Line{Channel: pair.Channel, Text: text, At: t.now()})
		}
	}
}

func (t *Tap) appendLine(l Line) {
	t.lines = append(t.lines, l)
	if over := len(t.lines) - t.maxLines; over > 0 {
		t.lines = append(t.lines[:0], t.lines[over:]...)
	}
	t.log.Debug("caption", "channel", l.Channel, "text", l.Text)
}

// Lines returns the retained caption lines, oldest first.
func (t *Tap) Lines() []Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}
