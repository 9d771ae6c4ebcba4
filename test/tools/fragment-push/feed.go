package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/livefeed/internal/fmp4"
)

// defaultSegmentDuration paces segments whose duration cannot be read.
const defaultSegmentDuration = time.Second

type segment struct {
	name     string
	data     []byte
	duration time.Duration
}

// feed is an init segment followed by media segments, in play order.
type feed struct {
	init     []byte
	segments []segment
}

type playOptions struct {
	// Loop restarts from the first media segment after the last one.
	Loop bool
	// Speed scales pacing; 2 sends twice as fast as real time.
	Speed float64
}

// loadFeed reads init.mp4 and every seg_N.m4s from dir, ordered by N.
func loadFeed(dir string) (*feed, error) {
	initData, err := os.ReadFile(filepath.Join(dir, "init.mp4"))
	if err != nil {
		return nil, fmt.Errorf("read init segment: %w", err)
	}
	parsed, err := fmp4.Parse(initData, nil)
	if err != nil {
		return nil, fmt.Errorf("parse init segment: %w", err)
	}
	if parsed.Init == nil {
		return nil, fmt.Errorf("init.mp4 has no moov box")
	}

	paths, err := filepath.Glob(filepath.Join(dir, "seg_*.m4s"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no seg_*.m4s files in %s", dir)
	}
	slices.SortFunc(paths, func(a, b string) int {
		return segmentNumber(a) - segmentNumber(b)
	})

	f := &feed{init: initData}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		seg, err := fmp4.Parse(data, parsed.Init)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		d := time.Duration(seg.Duration() * float64(time.Second))
		if d <= 0 {
			d = defaultSegmentDuration
		}
		f.segments = append(f.segments, segment{name: filepath.Base(p), data: data, duration: d})
	}
	return f, nil
}

// segmentNumber returns N for a seg_N.m4s path, or -1.
func segmentNumber(path string) int {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "seg_"), ".m4s")
	n, err := strconv.Atoi(name)
	if err != nil {
		return -1
	}
	return n
}

// play sends the init segment, then each media segment one segment
// duration after the previous one.
func (f *feed) play(ctx context.Context, opts playOptions, send func([]byte) error) error {
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}
	if err := send(f.init); err != nil {
		return err
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		for _, seg := range f.segments {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := send(seg.data); err != nil {
				return err
			}
			timer.Reset(time.Duration(float64(seg.duration) / speed))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		if !opts.Loop {
			return nil
		}
	}
}
