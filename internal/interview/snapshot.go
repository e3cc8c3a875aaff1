package interview

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Question is one interview question. An empty AudioURL means its audio is
// not available yet.
type Question struct {
	ID       string `json:"id"`
	AudioURL string `json:"audio_url"`
	Text     string `json:"text,omitempty"`
}

// Snapshot is the content known at a point in time.
type Snapshot struct {
	IntroductionURL string     `json:"introduction_url"`
	Questions       []Question `json:"questions"`
}

// AudioFile is one generated clip as listed by the status feed.
type AudioFile struct {
	FileName string
	URL      string
}

var (
	questionPattern     = regexp.MustCompile(`(?i)(?:pergunta|question)[_-]?(\d+)`)
	introductionMarkers = []string{"introducao", "introduction"}
	questionMarkers     = []string{"pergunta", "question"}
)

// SnapshotFromFiles sorts the feed's files into an introduction and numbered
// questions. Question N lands at index N-1; ordinals below the highest one
// seen get placeholders with an empty URL.
func SnapshotFromFiles(files []AudioFile) Snapshot {
	var snap Snapshot
	byOrdinal := make(map[int]string)
	maxOrdinal := 0
	var unnumbered []string

	for _, f := range files {
		name := strings.ToLower(f.FileName)
		switch {
		case containsAny(name, introductionMarkers):
			if snap.IntroductionURL == "" {
				snap.IntroductionURL = f.URL
			}
		case containsAny(name, questionMarkers):
			m := questionPattern.FindStringSubmatch(name)
			if m == nil {
				unnumbered = append(unnumbered, f.URL)
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 {
				unnumbered = append(unnumbered, f.URL)
				continue
			}
			if f.URL != "" {
				byOrdinal[n] = f.URL
			}
			if n > maxOrdinal {
				maxOrdinal = n
			}
		}
	}

	// files without an ordinal fill the lowest free slots in feed order
	next := 1
	for _, u := range unnumbered {
		for byOrdinal[next] != "" {
			next++
		}
		if u != "" {
			byOrdinal[next] = u
		}
		if next > maxOrdinal {
			maxOrdinal = next
		}
		next++
	}

	for i := 1; i <= maxOrdinal; i++ {
		snap.Questions = append(snap.Questions, Question{ID: fmt.Sprintf("q%d", i), AudioURL: byOrdinal[i]})
	}
	return snap
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Signature identifies a file listing independent of order, so repeated
// polls with the same content can be skipped.
func Signature(files []AudioFile) string {
	parts := make([]string, len(files))
	for i, f := range files {
		parts[i] = f.FileName + ":" + f.URL
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// Ready reports whether an interview can start.
func (s Snapshot) Ready() bool {
	return s.IntroductionURL != "" && len(s.Questions) > 0
}

// AllContentReady additionally requires audio for every question.
func (s Snapshot) AllContentReady() bool {
	if !s.Ready() {
		return false
	}
	for _, q := range s.Questions {
		if q.AudioURL == "" {
			return false
		}
	}
	return true
}

// Available counts questions whose audio is present.
func (s Snapshot) Available() int {
	n := 0
	for _, q := range s.Questions {
		if q.AudioURL != "" {
			n++
		}
	}
	return n
}

// Merge folds next into s. Known URLs never revert to empty and the
// question list never shrinks.
func (s Snapshot) Merge(next Snapshot) Snapshot {
	out := Snapshot{IntroductionURL: s.IntroductionURL}
	if out.IntroductionURL == "" {
		out.IntroductionURL = next.IntroductionURL
	}

	n := len(s.Questions)
	if len(next.Questions) > n {
		n = len(next.Questions)
	}
	out.Questions = make([]Question, n)
	for i := 0; i < n; i++ {
		var cur, upd Question
		if i < len(s.Questions) {
			cur = s.Questions[i]
		}
		if i < len(next.Questions) {
			upd = next.Questions[i]
		}
		q := cur
		if q.ID == "" {
			q.ID = upd.ID
		}
		if q.AudioURL == "" {
			q.AudioURL = upd.AudioURL
		}
		if q.Text == "" {
			q.Text = upd.Text
		}
		out.Questions[i] = q
	}
	return out
}
