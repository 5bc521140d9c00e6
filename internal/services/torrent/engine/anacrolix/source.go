package anacrolix

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"torrentdesk/internal/domain"
)

// specFromSource builds an add spec. Cached metainfo wins over the original
// input so that a re-attach does not depend on the swarm or on the .torrent
// file still being on disk.
func specFromSource(src domain.Source) (*torrent.TorrentSpec, error) {
	want, err := domain.ParseInfoHash(string(src.InfoHash))
	if err != nil {
		return nil, err
	}

	var spec *torrent.TorrentSpec
	switch {
	case len(src.Metainfo) > 0:
		mi, err := metainfo.Load(bytes.NewReader(src.Metainfo))
		if err != nil {
			return nil, fmt.Errorf("decode metainfo: %w", err)
		}
		spec, err = torrent.TorrentSpecFromMetaInfoErr(mi)
		if err != nil {
			return nil, err
		}
	case src.Kind == domain.SourceTorrentFile:
		if src.TorrentPath == "" {
			return nil, errors.New("torrent file path is empty")
		}
		mi, err := metainfo.LoadFromFile(src.TorrentPath)
		if err != nil {
			return nil, fmt.Errorf("load torrent file: %w", err)
		}
		spec, err = torrent.TorrentSpecFromMetaInfoErr(mi)
		if err != nil {
			return nil, err
		}
	case src.Kind == domain.SourceMagnet:
		spec, err = torrent.TorrentSpecFromMagnetUri(src.Magnet)
		if err != nil {
			return nil, fmt.Errorf("parse magnet: %w", err)
		}
	case src.Kind == domain.SourceInfoHash:
		spec = &torrent.TorrentSpec{AddTorrentOpts: torrent.AddTorrentOpts{InfoHash: metainfo.NewHashFromHex(string(want))}}
	default:
		return nil, fmt.Errorf("unsupported source kind %q", src.Kind)
	}

	if got := spec.InfoHash.HexString(); got != string(want) {
		return nil, fmt.Errorf("source infohash %s does not match %s", got, want)
	}
	if spec.DisplayName == "" {
		spec.DisplayName = src.DisplayName
	}
	spec.Trackers = mergeTrackers(spec.Trackers, src.Trackers)
	return spec, nil
}

// mergeTrackers appends each unknown URL as its own tier.
func mergeTrackers(tiers [][]string, extra []string) [][]string {
	seen := make(map[string]struct{})
	for _, tier := range tiers {
		for _, url := range tier {
			seen[url] = struct{}{}
		}
	}
	for _, url := range extra {
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		tiers = append(tiers, []string{url})
	}
	return tiers
}

func trackerURLs(tiers [][]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tier := range tiers {
		for _, url := range tier {
			if _, ok := seen[url]; ok || url == "" {
				continue
			}
			seen[url] = struct{}{}
			out = append(out, url)
		}
	}
	return out
}
