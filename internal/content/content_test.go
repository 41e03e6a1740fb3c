package content

import (
	"testing"
	"time"

	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	p, err := Decode([]byte(`{"id":"abc","title":"Hello","subreddit":"golang","score":42,"over_18":true,"created_utc":1700000000,"flair":"news"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", p.ID)
	assert.Equal(t, "golang", p.Community)
	assert.Equal(t, 42, p.Score)
	assert.True(t, p.NSFW())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), p.Created())
	assert.Equal(t, "news", p.Field("flair"))
	assert.Empty(t, p.Field("missing"))
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name string
		post Post
		want string
	}{
		{"explicit", Post{ContentType: "Unknown", URL: "https://i.redd.it/a.jpg"}, "unknown"},
		{"crosspost", Post{CrosspostParentID: "t3_x", URL: "https://i.redd.it/a.jpg"}, TypeCrosspost},
		{"gallery", Post{GalleryURLs: []string{"https://i.redd.it/a.jpg"}}, TypeGallery},
		{"poll", Post{PollData: []byte(`{"options":[]}`)}, TypePoll},
		{"video flag", Post{IsVideo: true}, TypeVideo},
		{"video ext", Post{URL: "https://example.com/clip.mp4"}, TypeVideo},
		{"image ext", Post{URL: "https://example.com/pic.PNG?x=1"}, TypeImage},
		{"image host", Post{URL: "https://i.imgur.com/abc"}, TypeImage},
		{"video host", Post{URL: "https://v.redd.it/xyz"}, TypeVideo},
		{"self", Post{IsSelf: true, URL: "https://reddit.com/r/x/comments/1"}, TypeText},
		{"external", Post{URL: "https://blog.example.com/post"}, TypeExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectContentType(&tt.post))
		})
	}
}

func TestHost(t *testing.T) {
	p := &Post{URL: "https://www.Example.com/a"}
	assert.Equal(t, "example.com", p.Host())
	p = &Post{Domain: "self.golang"}
	assert.Equal(t, "self.golang", p.Host())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"user:alice", Target{TargetUser, "alice"}},
		{"u/alice", Target{TargetUser, "alice"}},
		{"/r/golang/", Target{TargetCommunity, "golang"}},
		{"community:golang", Target{TargetCommunity, "golang"}},
		{"https://reddit.com/r/golang/comments/1", Target{TargetDirectLink, "https://reddit.com/r/golang/comments/1"}},
		{"direct-link:feeds/posts.jsonl", Target{TargetDirectLink, "feeds/posts.jsonl"}},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseTarget_Invalid(t *testing.T) {
	for _, in := range []string{"", "alice", "planet:earth", "user:"} {
		_, err := ParseTarget(in)
		assert.ErrorIs(t, err, herrors.ErrValidation, in)
	}
}
