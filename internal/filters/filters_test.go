package filters

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

func post(t *testing.T, payload string) *content.Post {
	t.Helper()
	p, err := content.Decode([]byte(payload))
	require.NoError(t, err)
	return p
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestScore(t *testing.T) {
	f, err := NewScore(ScoreConfig{MinScore: intp(10), MaxScore: intp(100)})
	require.NoError(t, err)

	tests := []struct {
		score  int
		passed bool
	}{
		{5, false},
		{10, true},
		{100, true},
		{101, false},
	}
	for _, tt := range tests {
		res := f.Apply(&content.Post{Score: tt.score})
		assert.Equal(t, tt.passed, res.Passed, "score %d", tt.score)
		if !tt.passed {
			assert.NotEmpty(t, res.Reason)
		}
	}

	_, err = NewScore(ScoreConfig{MinScore: intp(5), MaxScore: intp(1)})
	assert.ErrorIs(t, err, herrors.ErrValidation)
}

func TestKeyword(t *testing.T) {
	tests := []struct {
		name   string
		cfg    KeywordConfig
		post   content.Post
		passed bool
	}{
		{"no config", KeywordConfig{}, content.Post{Title: "anything"}, true},
		{"include match", KeywordConfig{Include: []string{"cat"}}, content.Post{Title: "My CAT"}, true},
		{"include miss", KeywordConfig{Include: []string{"dog"}}, content.Post{Title: "my cat"}, false},
		{"case sensitive", KeywordConfig{Include: []string{"cat"}, CaseSensitive: true}, content.Post{Title: "My CAT"}, false},
		{"whole words", KeywordConfig{Include: []string{"cat"}, WholeWords: true}, content.Post{Title: "concatenate"}, false},
		{"substring", KeywordConfig{Include: []string{"cat"}}, content.Post{Title: "concatenate"}, true},
		{"exclude", KeywordConfig{Exclude: []string{"spoiler"}}, content.Post{Selftext: "big Spoiler ahead"}, false},
		{"title only", KeywordConfig{Exclude: []string{"spoiler"}, SearchSelftext: boolp(false)}, content.Post{Selftext: "spoiler"}, true},
		{"regex", KeywordConfig{Include: []string{`^\[oc\]`}, Regex: true}, content.Post{Title: "[OC] my art"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewKeyword(tt.cfg)
			require.NoError(t, err)
			p := tt.post
			assert.Equal(t, tt.passed, f.Apply(&p).Passed)
		})
	}

	_, err := NewKeyword(KeywordConfig{Include: []string{"("}, Regex: true})
	assert.ErrorIs(t, err, herrors.ErrValidation)
	_, err = NewKeyword(KeywordConfig{SearchTitle: boolp(false), SearchSelftext: boolp(false)})
	assert.ErrorIs(t, err, herrors.ErrValidation)
}

func TestDomain(t *testing.T) {
	f, err := NewDomain(DomainConfig{
		Allow: []string{"*.imgur.com", "redd.it"},
		Block: []string{"bad.imgur.com"},
	})
	require.NoError(t, err)

	tests := []struct {
		url    string
		passed bool
	}{
		{"https://i.imgur.com/a.jpg", true},
		{"https://imgur.com/a", true},
		{"https://bad.imgur.com/a", false},
		{"https://i.redd.it/x.png", true},
		{"https://www.example.com/", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.passed, f.Apply(&content.Post{URL: tt.url}).Passed, tt.url)
	}

	assert.True(t, f.Apply(&content.Post{IsSelf: true}).Passed)

	exact, err := NewDomain(DomainConfig{Allow: []string{"imgur.com"}, MatchSubdomains: boolp(false), SelfPosts: "block"})
	require.NoError(t, err)
	assert.False(t, exact.Apply(&content.Post{URL: "https://i.imgur.com/a.jpg"}).Passed)
	assert.True(t, exact.Apply(&content.Post{URL: "https://imgur.com/a.jpg"}).Passed)
	assert.False(t, exact.Apply(&content.Post{IsSelf: true}).Passed)

	_, err = NewDomain(DomainConfig{SelfPosts: "maybe"})
	assert.ErrorIs(t, err, herrors.ErrValidation)
}

func TestNSFW(t *testing.T) {
	flagged := post(t, `{"id":"a","over_18":true}`)
	clean := post(t, `{"id":"b","over_18":false}`)
	unknown := post(t, `{"id":"c"}`)

	tests := []struct {
		cfg                 NSFWConfig
		flagged, clean, unk bool
	}{
		{NSFWConfig{}, true, true, true},
		{NSFWConfig{Mode: "exclude"}, false, true, true},
		{NSFWConfig{Mode: "exclude", Strict: true}, false, true, false},
		{NSFWConfig{Mode: "only"}, true, false, false},
		{NSFWConfig{Mode: "only", Strict: true}, true, false, true},
	}
	for _, tt := range tests {
		f, err := NewNSFW(tt.cfg)
		require.NoError(t, err)
		assert.Equal(t, tt.flagged, f.Apply(flagged).Passed, "%+v flagged", tt.cfg)
		assert.Equal(t, tt.clean, f.Apply(clean).Passed, "%+v clean", tt.cfg)
		assert.Equal(t, tt.unk, f.Apply(unknown).Passed, "%+v unknown", tt.cfg)
	}

	_, err := NewNSFW(NSFWConfig{Mode: "sometimes"})
	assert.ErrorIs(t, err, herrors.ErrValidation)
}

func TestDate(t *testing.T) {
	f, err := NewDate(DateConfig{After: "2024-01-01", Before: "2024-02-01T00:00:00Z"})
	require.NoError(t, err)

	at := func(s string) *content.Post {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return &content.Post{CreatedUTC: float64(ts.Unix())}
	}
	assert.False(t, f.Apply(at("2023-12-31T23:59:59Z")).Passed)
	assert.True(t, f.Apply(at("2024-01-01T00:00:00Z")).Passed)
	assert.True(t, f.Apply(at("2024-01-31T12:00:00Z")).Passed)
	assert.False(t, f.Apply(at("2024-02-01T00:00:00Z")).Passed)
	assert.False(t, f.Apply(&content.Post{}).Passed, "unknown creation date")

	unix, err := NewDate(DateConfig{After: "1704067200"})
	require.NoError(t, err)
	assert.True(t, unix.Apply(at("2024-01-01T00:00:00Z")).Passed)

	_, err = NewDate(DateConfig{After: "yesterday"})
	assert.ErrorIs(t, err, herrors.ErrValidation)
	_, err = NewDate(DateConfig{After: "2024-02-01", Before: "2024-01-01"})
	assert.ErrorIs(t, err, herrors.ErrValidation)
}

func TestMediaType(t *testing.T) {
	f, err := NewMediaType(MediaTypeConfig{
		Types:             []string{"image", "gallery"},
		ExcludeExtensions: []string{".gif"},
	})
	require.NoError(t, err)

	assert.True(t, f.Apply(&content.Post{URL: "https://i.redd.it/a.jpg"}).Passed)
	assert.False(t, f.Apply(&content.Post{URL: "https://i.redd.it/a.gif"}).Passed)
	assert.False(t, f.Apply(&content.Post{URL: "https://v.redd.it/abc", IsVideo: true}).Passed)
	assert.True(t, f.Apply(&content.Post{GalleryURLs: []string{"https://i.redd.it/1.png"}}).Passed)

	exts, err := NewMediaType(MediaTypeConfig{Extensions: []string{"png"}})
	require.NoError(t, err)
	assert.True(t, exts.Apply(&content.Post{URL: "https://x.test/a.PNG"}).Passed)
	assert.False(t, exts.Apply(&content.Post{URL: "https://x.test/a.jpg"}).Passed)
}

func TestRegister_FactoriesDecodeConfig(t *testing.T) {
	c := plugin.NewCatalog()
	Register(c)
	assert.Len(t, c.Entrypoints(), 6)

	factory, ok := c.Lookup(EntryScore)
	require.True(t, ok)
	inst, err := factory(plugin.Env{
		Manifest: plugin.Manifest{Name: "min-score"},
		Config:   map[string]any{"min_score": 10},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	f, ok := inst.(plugin.Filter)
	require.True(t, ok)
	assert.False(t, f.Apply(&content.Post{Score: 5}).Passed)
	assert.True(t, f.Apply(&content.Post{Score: 10}).Passed)

	_, err = factory(plugin.Env{Manifest: plugin.Manifest{Name: "bad"}, Config: map[string]any{"min_score": "ten"}})
	assert.ErrorIs(t, err, herrors.ErrValidation)

	nsfw, _ := c.Lookup(EntryNSFW)
	_, err = nsfw(plugin.Env{Manifest: plugin.Manifest{Name: "n"}, Config: map[string]any{"mode": "never"}})
	assert.ErrorIs(t, err, herrors.ErrValidation)
}
