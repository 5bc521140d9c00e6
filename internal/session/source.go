package session

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"torrentdesk/internal/domain"
)

// AddRequest is the raw add input. Exactly one of Magnet, TorrentPath and
// InfoHash must be set; Trackers are hints merged into any of them.
type AddRequest struct {
	Magnet      string                `json:"magnet,omitempty"`
	TorrentPath string                `json:"torrentPath,omitempty"`
	InfoHash    string                `json:"infoHash,omitempty"`
	Trackers    []string              `json:"trackers,omitempty"`
	DisplayName string                `json:"displayName,omitempty"`
	SavePath    string                `json:"savePath,omitempty"`
	Files       []domain.FilePriority `json:"files,omitempty"`
}

// NormalizeSource computes the infohash up front so that every add is keyed
// before the engine is involved.
func NormalizeSource(req AddRequest) (domain.Source, error) {
	magnet := strings.TrimSpace(req.Magnet)
	path := strings.TrimSpace(req.TorrentPath)
	hash := strings.TrimSpace(req.InfoHash)

	set := 0
	for _, v := range []string{magnet, path, hash} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return domain.Source{}, fmt.Errorf("%w: exactly one of magnet, torrentPath or infoHash is required", domain.ErrInvalidInput)
	}

	var src domain.Source
	switch {
	case magnet != "":
		m, err := metainfo.ParseMagnetUri(magnet)
		if err != nil {
			return domain.Source{}, fmt.Errorf("%w: magnet: %v", domain.ErrInvalidInput, err)
		}
		src = domain.Source{
			Kind:        domain.SourceMagnet,
			InfoHash:    domain.InfoHash(m.InfoHash.HexString()),
			Magnet:      magnet,
			Trackers:    m.Trackers,
			DisplayName: m.DisplayName,
		}
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return domain.Source{}, fmt.Errorf("%w: torrent file: %v", domain.ErrInvalidInput, err)
		}
		mi, err := metainfo.Load(bytes.NewReader(raw))
		if err != nil {
			return domain.Source{}, fmt.Errorf("%w: torrent file: %v", domain.ErrInvalidInput, err)
		}
		info, err := mi.UnmarshalInfo()
		if err != nil {
			return domain.Source{}, fmt.Errorf("%w: torrent info: %v", domain.ErrInvalidInput, err)
		}
		src = domain.Source{
			Kind:        domain.SourceTorrentFile,
			InfoHash:    domain.InfoHash(mi.HashInfoBytes().HexString()),
			TorrentPath: path,
			DisplayName: info.BestName(),
			Metainfo:    raw,
		}
		for _, tier := range mi.UpvertedAnnounceList() {
			src.Trackers = append(src.Trackers, tier...)
		}
	default:
		ih, err := domain.ParseInfoHash(hash)
		if err != nil {
			return domain.Source{}, err
		}
		src = domain.Source{Kind: domain.SourceInfoHash, InfoHash: ih}
	}

	src.Trackers = mergeURLs(src.Trackers, req.Trackers)
	if name := strings.TrimSpace(req.DisplayName); name != "" {
		src.DisplayName = name
	}
	return src, nil
}

func mergeURLs(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	var out []string
	for _, list := range [][]string{base, extra} {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
