// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
)

// splitSuffix matches the two-letter lowercase suffix (e.g. ".aa") used by
// split-file images, per spec.md §4.1.
var splitSuffix = regexp.MustCompile(`^(.*)\.([a-z]{2})$`)

// segmentedSource concatenates one or more on-disk files into a single
// seekable byte source, binary-searching cumulative segment sizes to
// resolve Seek, as required for "split plus uncompressed is seekable".
type segmentedSource struct {
	segments []segment
	total    int64

	cur    int
	curF   *os.File
	offset int64
}

type segment struct {
	path string
	size int64
	// cumStart is the partition-relative (i.e. concatenated-stream)
	// offset at which this segment begins.
	cumStart int64
}

// openConcatenated opens path, transparently discovering and concatenating
// sibling split segments (path.aa, path.ab, ...) in lexical order when path
// itself ends in a two-letter lowercase suffix and at least one sibling
// exists. Otherwise it opens path alone. Split detection runs before
// compression detection, per spec.md §4.1.
func openConcatenated(path string) (*segmentedSource, error) {
	paths, err := discoverSegments(path)
	if err != nil {
		return nil, err
	}
	segs := make([]segment, 0, len(paths))
	var total int64
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("container: stat %s: %w", p, err)
		}
		segs = append(segs, segment{path: p, size: fi.Size(), cumStart: total})
		total += fi.Size()
	}
	src := &segmentedSource{segments: segs, total: total}
	if err := src.openSegment(0); err != nil {
		return nil, err
	}
	return src, nil
}

// discoverSegments returns the ordered list of files that make up path's
// logical stream: path itself, followed by each lexically next sibling
// (e.g. .ab, .ac, ... after .aa) up to the first one that does not exist.
// Suffixes before path's own are not probed.
func discoverSegments(path string) ([]string, error) {
	m := splitSuffix.FindStringSubmatch(path)
	if m == nil {
		return []string{path}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("container: stat %s: %w", path, err)
	}
	prefix, suffix := m[1], m[2]
	siblings := []string{path}
	for {
		next, ok := nextSuffix(suffix)
		if !ok {
			break
		}
		candidate := prefix + "." + next
		if _, err := os.Stat(candidate); err != nil {
			break
		}
		siblings = append(siblings, candidate)
		suffix = next
	}
	return siblings, nil
}

// nextSuffix returns the lexically next two lowercase letter suffix
// ("aa".."zz"), or ok=false once "zz" is exceeded.
func nextSuffix(s string) (string, bool) {
	b := []byte(s)
	if b[1] != 'z' {
		b[1]++
		return string(b), true
	}
	if b[0] == 'z' {
		return "", false
	}
	b[0]++
	b[1] = 'a'
	return string(b), true
}

func (s *segmentedSource) openSegment(i int) error {
	if s.curF != nil {
		s.curF.Close()
		s.curF = nil
	}
	if i >= len(s.segments) {
		s.cur = i
		return nil
	}
	f, err := os.Open(s.segments[i].path)
	if err != nil {
		return fmt.Errorf("container: open %s: %w", s.segments[i].path, err)
	}
	s.curF = f
	s.cur = i
	return nil
}

// Size returns the total size of the concatenated stream.
func (s *segmentedSource) Size() (int64, error) {
	return s.total, nil
}

// Read implements io.Reader, transparently advancing across segment
// boundaries.
func (s *segmentedSource) Read(p []byte) (int, error) {
	if s.cur >= len(s.segments) {
		return 0, io.EOF
	}
	n, err := s.curF.Read(p)
	s.offset += int64(n)
	if err == io.EOF {
		if openErr := s.openSegment(s.cur + 1); openErr != nil {
			return n, openErr
		}
		if n > 0 {
			return n, nil
		}
		return s.Read(p)
	}
	return n, err
}

// Seek implements io.Seeker by binary-searching the cumulative segment
// sizes to locate the segment containing abs, per spec.md §4.1.
func (s *segmentedSource) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.currentAbsolute() + offset
	case io.SeekEnd:
		abs = s.total + offset
	default:
		return 0, fmt.Errorf("container: invalid whence %d", whence)
	}
	if abs < 0 || abs > s.total {
		return 0, fmt.Errorf("container: seek %d out of range [0,%d]", abs, s.total)
	}
	idx := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].cumStart+s.segments[i].size > abs
	})
	if idx == len(s.segments) {
		idx = len(s.segments) - 1
	}
	if idx != s.cur || s.curF == nil {
		if err := s.openSegment(idx); err != nil {
			return 0, err
		}
	}
	within := abs - s.segments[idx].cumStart
	if _, err := s.curF.Seek(within, io.SeekStart); err != nil {
		return 0, err
	}
	s.offset = abs
	return abs, nil
}

func (s *segmentedSource) currentAbsolute() int64 {
	return s.offset
}

// Close releases the currently open segment file.
func (s *segmentedSource) Close() error {
	if s.curF != nil {
		return s.curF.Close()
	}
	return nil
}
