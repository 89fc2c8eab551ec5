package jobs_test

import (
	"bytes"
	"encoding/xml"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphar/crates.io/internal/jobs"
	"github.com/syphar/crates.io/internal/store"
)

func ptr[T any](v T) *T { return &v }

func TestRegisterAll(t *testing.T) {
	t.Parallel()
	reg, err := jobs.NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"archive_version_downloads",
		"docs_rs_queue_rebuild",
		"generate_og_image",
		"invalidate_cdns",
		"send_publish_notification",
		"sync_updates_feed",
		"update_default_version",
	}, reg.Names())

	opts, ok := reg.Options(jobs.NameUpdateDefaultVersion)
	require.True(t, ok)
	assert.Equal(t, int16(80), opts.Priority)
	assert.True(t, opts.Deduplicated)

	opts, _ = reg.Options(jobs.NameArchiveVersionDownloads)
	assert.Equal(t, jobs.QueueDownloads, opts.Queue)

	opts, _ = reg.Options(jobs.NameSendPublishNotification)
	assert.False(t, opts.Deduplicated)
	assert.Equal(t, "default", opts.Queue)

	assert.NoError(t, reg.Validate(map[string]int{"default": 1, "downloads": 1}))
	assert.Error(t, reg.Validate(map[string]int{"default": 1}), "downloads queue has no workers")
}

func TestRenderUpdatesFeed(t *testing.T) {
	t.Parallel()
	published := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	body, err := jobs.RenderUpdatesFeed("crates.io", "https://static.crates.io/rss/updates.xml", []store.VersionUpdate{
		{Name: "serde", Version: "1.0.200", Description: ptr("A serialization framework"), CreatedAt: published},
		{Name: "rand", Version: "0.8.5", CreatedAt: published.Add(-time.Hour)},
	})
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.HasPrefix(text, xml.Header))
	assert.Contains(t, text, `xmlns:atom="http://www.w3.org/2005/Atom"`)
	assert.Contains(t, text, `<atom:link href="https://static.crates.io/rss/updates.xml" rel="self" type="application/rss+xml"></atom:link>`)
	assert.Contains(t, text, `<crates:name>serde</crates:name>`)

	var doc struct {
		Channel struct {
			Title string `xml:"title"`
			Items []struct {
				Title       string `xml:"title"`
				Link        string `xml:"link"`
				GUID        string `xml:"guid"`
				PubDate     string `xml:"pubDate"`
				Description string `xml:"description"`
			} `xml:"item"`
		} `xml:"channel"`
	}
	require.NoError(t, xml.Unmarshal(body, &doc))
	assert.Equal(t, "crates.io: recent updates", doc.Channel.Title)
	require.Len(t, doc.Channel.Items, 2)

	first := doc.Channel.Items[0]
	assert.Equal(t, "New crate version published: serde v1.0.200", first.Title)
	assert.Equal(t, "https://crates.io/crates/serde/1.0.200", first.Link)
	assert.Equal(t, first.Link, first.GUID)
	assert.Equal(t, "Wed, 01 May 2024 12:30:00 +0000", first.PubDate)
	assert.Equal(t, "A serialization framework", first.Description)
	assert.Empty(t, doc.Channel.Items[1].Description)
}

func TestRenderUpdatesFeed_Empty(t *testing.T) {
	t.Parallel()
	body, err := jobs.RenderUpdatesFeed("staging.crates.io", "https://static.staging.crates.io/rss/updates.xml", nil)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "<item>")
	assert.Contains(t, string(body), `xmlns:crates="https://crates.io/"`, "namespace does not follow the serving domain")
	assert.Contains(t, string(body), "<link>https://staging.crates.io/</link>")
}

func TestRenderOgImage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		card store.CrateCard
	}{
		{name: "typical", card: store.CrateCard{Name: "serde", Description: "A generic serialization/deserialization framework", DefaultVersion: "1.0.200"}},
		{name: "no version", card: store.CrateCard{Name: "unpublished"}},
		{name: "long", card: store.CrateCard{
			Name:           strings.Repeat("very-long-crate-name-", 3) + "x",
			Description:    strings.Repeat("lorem ipsum dolor sit amet ", 40),
			DefaultVersion: "0.0.1-alpha.1+build.5",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			body, err := jobs.RenderOgImage(&tc.card)
			require.NoError(t, err)

			img, err := png.Decode(bytes.NewReader(body))
			require.NoError(t, err)
			assert.Equal(t, jobs.OgImageWidth, img.Bounds().Dx())
			assert.Equal(t, jobs.OgImageHeight, img.Bounds().Dy())
		})
	}
}

func TestArtifactPaths(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "og-images/serde.png", jobs.OgImagePath("serde"))
	assert.Equal(t, "archive/version-downloads/2024-01-02.csv",
		jobs.VersionDownloadsArchivePath(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
}
