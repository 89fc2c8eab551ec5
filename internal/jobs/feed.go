package jobs

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/syphar/crates.io/internal/store"
)

// UpdatesFeedPath is the storage key of the RSS feed of recent publishes.
const UpdatesFeedPath = "rss/updates.xml"

const (
	// Versions newer than this are always in the feed.
	feedAlwaysIncludeAge = 60 * time.Minute
	// Minimum number of items; older versions pad the feed up to this.
	feedMinItems = 100
)

func syncUpdatesFeed(ctx context.Context, _ SyncUpdatesFeedJob, env Env) error {
	log := env.Log().With("job", NameSyncUpdatesFeed)

	updates, err := env.Store.LoadVersionUpdates(ctx, env.Clock().Add(-feedAlwaysIncludeAge), feedMinItems)
	if err != nil {
		return err
	}

	body, err := RenderUpdatesFeed(env.DomainName, env.Storage.URL(UpdatesFeedPath), updates)
	if err != nil {
		return err
	}
	if err := env.Storage.Put(ctx, UpdatesFeedPath, "application/rss+xml", body); err != nil {
		return fmt.Errorf("upload updates feed: %w", err)
	}

	if err := env.CDN.Invalidate(ctx, "/"+UpdatesFeedPath); err != nil {
		log.Warn("failed to invalidate CDN caches", "path", UpdatesFeedPath, "error", err)
	}

	log.Info("updates feed synced", "items", len(updates))
	return nil
}

// ── RSS document ────────────────────────────────────────────────────────────

type rssDocument struct {
	XMLName  xml.Name   `xml:"rss"`
	Version  string     `xml:"version,attr"`
	AtomNS   string     `xml:"xmlns:atom,attr"`
	CratesNS string     `xml:"xmlns:crates,attr"`
	Channel  rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Language    string    `xml:"language"`
	Self        atomLink  `xml:"atom:link"`
	Items       []rssItem `xml:"item"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Link        string  `xml:"link"`
	Description string  `xml:"description,omitempty"`
	GUID        rssGUID `xml:"guid"`
	PubDate     string  `xml:"pubDate"`
	CrateName   string  `xml:"crates:name"`
	Version     string  `xml:"crates:version"`
}

type rssGUID struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// cratesNamespace is the XML namespace of the crates: item extensions. It
// is an identifier, not a link, so it does not follow the serving domain.
const cratesNamespace = "https://crates.io/"

// RenderUpdatesFeed renders updates as an RSS 2.0 channel. selfURL is the
// public URL the feed is served from.
func RenderUpdatesFeed(domain, selfURL string, updates []store.VersionUpdate) ([]byte, error) {
	doc := rssDocument{
		Version:  "2.0",
		AtomNS:   "http://www.w3.org/2005/Atom",
		CratesNS: cratesNamespace,
		Channel: rssChannel{
			Title:       "crates.io: recent updates",
			Link:        "https://" + domain + "/",
			Description: "Recent version publishes on the crates.io package registry",
			Language:    "en",
			Self:        atomLink{Href: selfURL, Rel: "self", Type: "application/rss+xml"},
			Items:       make([]rssItem, 0, len(updates)),
		},
	}
	for _, u := range updates {
		link := fmt.Sprintf("https://%s/crates/%s/%s", domain, u.Name, u.Version)
		item := rssItem{
			Title:     fmt.Sprintf("New crate version published: %s v%s", u.Name, u.Version),
			Link:      link,
			GUID:      rssGUID{IsPermaLink: true, Value: link},
			PubDate:   u.CreatedAt.UTC().Format(time.RFC1123Z),
			CrateName: u.Name,
			Version:   u.Version,
		}
		if u.Description != nil {
			item.Description = *u.Description
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("render updates feed: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
