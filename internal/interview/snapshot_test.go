package interview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFromFiles(t *testing.T) {
	files := []AudioFile{
		{FileName: "job-42/pergunta_3.mp3", URL: "https://s3/q3"},
		{FileName: "job-42/introducao.mp3", URL: "https://s3/intro"},
		{FileName: "job-42/pergunta_1.mp3", URL: "https://s3/q1"},
		{FileName: "job-42/report.json", URL: "https://s3/report"},
	}

	snap := SnapshotFromFiles(files)
	assert.Equal(t, "https://s3/intro", snap.IntroductionURL)
	require.Len(t, snap.Questions, 3)
	assert.Equal(t, Question{ID: "q1", AudioURL: "https://s3/q1"}, snap.Questions[0])
	assert.Equal(t, Question{ID: "q2"}, snap.Questions[1], "missing ordinal gets a placeholder")
	assert.Equal(t, Question{ID: "q3", AudioURL: "https://s3/q3"}, snap.Questions[2])

	assert.True(t, snap.Ready())
	assert.False(t, snap.AllContentReady())
	assert.Equal(t, 2, snap.Available())
}

func TestSnapshotFromFiles_EnglishNamesAndUnnumbered(t *testing.T) {
	snap := SnapshotFromFiles([]AudioFile{
		{FileName: "Introduction.ogg", URL: "i"},
		{FileName: "question-2.ogg", URL: "b"},
		{FileName: "question.ogg", URL: "a"},
	})
	assert.Equal(t, "i", snap.IntroductionURL)
	require.Len(t, snap.Questions, 2)
	assert.Equal(t, "a", snap.Questions[0].AudioURL)
	assert.Equal(t, "b", snap.Questions[1].AudioURL)
	assert.True(t, snap.AllContentReady())
}

func TestSnapshot_NotReady(t *testing.T) {
	assert.False(t, Snapshot{}.Ready())
	assert.False(t, Snapshot{IntroductionURL: "i"}.Ready())
	assert.False(t, Snapshot{Questions: []Question{{ID: "q1", AudioURL: "a"}}}.Ready())
	assert.False(t, Snapshot{}.AllContentReady())
}

func TestSignature_OrderIndependent(t *testing.T) {
	a := []AudioFile{{FileName: "introducao", URL: "1"}, {FileName: "pergunta_1", URL: "2"}}
	b := []AudioFile{{FileName: "pergunta_1", URL: "2"}, {FileName: "introducao", URL: "1"}}
	assert.Equal(t, Signature(a), Signature(b))

	c := []AudioFile{{FileName: "pergunta_1", URL: "3"}, {FileName: "introducao", URL: "1"}}
	assert.NotEqual(t, Signature(a), Signature(c))
}

func TestSnapshot_MergeIsMonotonic(t *testing.T) {
	first := Snapshot{
		IntroductionURL: "intro-v1",
		Questions:       []Question{{ID: "q1", AudioURL: "q1-v1"}, {ID: "q2"}},
	}
	second := Snapshot{
		IntroductionURL: "",
		Questions:       []Question{{ID: "q1", AudioURL: "q1-v2"}, {ID: "q2", AudioURL: "q2-v1"}, {ID: "q3"}},
	}
	third := Snapshot{Questions: []Question{{ID: "q1"}}}

	merged := first.Merge(second).Merge(third)
	assert.Equal(t, "intro-v1", merged.IntroductionURL)
	require.Len(t, merged.Questions, 3)
	assert.Equal(t, "q1-v1", merged.Questions[0].AudioURL)
	assert.Equal(t, "q2-v1", merged.Questions[1].AudioURL)
	assert.Equal(t, "q3", merged.Questions[2].ID)
	assert.Empty(t, merged.Questions[2].AudioURL)

	// receiver untouched
	assert.Empty(t, first.Questions[1].AudioURL)
}
