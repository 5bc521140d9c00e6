package domain

type SourceKind string

const (
	SourceMagnet      SourceKind = "magnet"
	SourceTorrentFile SourceKind = "torrent_file"
	SourceInfoHash    SourceKind = "infohash"
)

// Source is the normalized add input. InfoHash is always known up front.
// Metainfo holds the raw .torrent bytes once they are available, either read
// from the file at add time or captured when metadata resolves, so that a
// re-attach never has to go back to the swarm for them.
type Source struct {
	Kind        SourceKind `json:"kind"`
	InfoHash    InfoHash   `json:"infoHash"`
	Magnet      string     `json:"magnet,omitempty"`
	TorrentPath string     `json:"torrentPath,omitempty"`
	Trackers    []string   `json:"trackers,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Metainfo    []byte     `json:"metainfo,omitempty"`
}

func (s Source) Clone() Source {
	out := s
	if s.Trackers != nil {
		out.Trackers = append([]string(nil), s.Trackers...)
	}
	if s.Metainfo != nil {
		out.Metainfo = append([]byte(nil), s.Metainfo...)
	}
	return out
}

func (s Source) Valid() bool {
	if s.InfoHash == "" {
		return false
	}
	switch s.Kind {
	case SourceMagnet:
		return s.Magnet != "" || len(s.Metainfo) > 0
	case SourceTorrentFile:
		return s.TorrentPath != "" || len(s.Metainfo) > 0
	case SourceInfoHash:
		return true
	default:
		return false
	}
}
