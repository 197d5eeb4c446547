package builtin

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"mediad/pkg/plugin"
	"mediad/pkg/value"
)

func rssDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        plugin.TypeTransform,
		ShortName:   "rss",
		Name:        "RSS reader",
		Version:     Version,
		Description: "Lists the enclosures of an RSS podcast feed",
		APIVersion:  plugin.TransformAPIVersion,
		Setup: func(p *plugin.Plugin) error {
			if err := p.SetTransform(rssTransform{}); err != nil {
				return err
			}
			for _, pattern := range []string{RSSType, "application/rss+xml*"} {
				if err := p.AddInputType(pattern); err != nil {
					return err
				}
			}
			return p.SetOutputType(PlaylistEntriesType)
		},
	}
}

type rssTransform struct{}

type rssItem struct {
	Title     string `xml:"title"`
	Enclosure struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
}

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

// Browse 返回 feed 中带 enclosure 的条目。
func (rssTransform) Browse(_ context.Context, in plugin.Input) ([]value.Value, error) {
	items, err := parseFeed(in.Reader)
	if err != nil {
		return nil, err
	}
	entries := make([]value.Value, 0, len(items))
	for _, item := range items {
		entries = append(entries, Entry(item.Enclosure.URL, strings.TrimSpace(item.Title), false))
	}
	return entries, nil
}

// Open 输出每行一个 enclosure URL 的播放列表。
func (rssTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	items, err := parseFeed(in.Reader)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, item := range items {
		buf.WriteString(item.Enclosure.URL)
		buf.WriteByte('\n')
	}
	return io.NopCloser(&buf), nil
}

func parseFeed(r io.Reader) ([]rssItem, error) {
	if r == nil {
		return nil, fmt.Errorf("rss 输入为空")
	}
	var feed rssFeed
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&feed); err != nil {
		return nil, fmt.Errorf("解析 rss 失败: %w", err)
	}
	items := feed.Channel.Items[:0]
	for _, item := range feed.Channel.Items {
		if item.Enclosure.URL != "" {
			items = append(items, item)
		}
	}
	return items, nil
}
