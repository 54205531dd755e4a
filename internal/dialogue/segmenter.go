package dialogue

import "strings"

// Reply text with no boundary grows at most this many runes before a forced cut.
const maxUnbrokenRunes = 40

// Segmenter cuts a streamed reply into speakable sentences. Boundaries are
// sentence-ending punctuation and newlines; a long run without any boundary
// is cut whole so synthesis is never starved by an unpunctuated reply.
type Segmenter struct {
	buf     []rune
	lastCut int
}

func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Push appends a reply delta and returns any complete segments it unlocked.
func (s *Segmenter) Push(delta string) []string {
	s.buf = append(s.buf, []rune(delta)...)

	var segs []string
	cut := s.lastCut
	for i := s.lastCut; i < len(s.buf); i++ {
		if !isBoundary(s.buf[i]) {
			continue
		}
		if seg := strings.TrimSpace(string(s.buf[cut : i+1])); seg != "" {
			segs = append(segs, seg)
		}
		cut = i + 1
	}

	if len(segs) == 0 && len(s.buf)-s.lastCut >= maxUnbrokenRunes {
		if seg := strings.TrimSpace(string(s.buf[s.lastCut:])); seg != "" {
			segs = append(segs, seg)
		}
		cut = len(s.buf)
	}

	s.lastCut = cut
	return segs
}

// FlushRemainder returns whatever trails the last cut once the stream ends.
func (s *Segmenter) FlushRemainder() string {
	seg := strings.TrimSpace(string(s.buf[s.lastCut:]))
	s.lastCut = len(s.buf)
	return seg
}

func isBoundary(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?', '…', '\n':
		return true
	default:
		return false
	}
}
