// Package playlist emits the HLS media playlist for an encrypted video.
// Every segment entry carries an EXT-X-KEY line whose URI points at the
// key-release endpoint and whose IV is the segment's derived IV, so a
// standard HLS player performs the challenge/response exchange through
// its normal key fetch. The IVs come from the same derivation path the
// cipher uses; the playlist cannot drift from what the segments were
// actually encrypted with.
package playlist

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/streamgate/streamgate/video"
)

// encryptMethod is the HLS cipher announced in EXT-X-KEY lines.
const encryptMethod = "AES-128"

// Playlist errors.
var (
	ErrNoSegments    = errors.New("playlist: no segments given")
	ErrCountMismatch = errors.New("playlist: segment count does not match registration")
)

// Segment describes one media segment entry.
type Segment struct {
	// URI is the segment's media URL, absolute or playlist-relative.
	URI string

	// Duration is the segment length in seconds.
	Duration float64

	// Title is the optional EXTINF title.
	Title string
}

// IVSource resolves a video's registration and per-segment IVs. The video
// registry implements it.
type IVSource interface {
	Video(videoID string) (*video.Video, error)
	SegmentIV(videoID string, segmentIndex uint32) ([]byte, error)
}

// Builder renders media playlists for registered videos.
type Builder struct {
	source     IVSource
	keyBaseURL string
}

// NewBuilder creates a playlist builder. keyBaseURL is the key-release
// server's base URL, prepended to every key URI.
func NewBuilder(source IVSource, keyBaseURL string) *Builder {
	return &Builder{
		source:     source,
		keyBaseURL: strings.TrimRight(keyBaseURL, "/"),
	}
}

// KeyURI returns the key-release URL for one segment.
func (b *Builder) KeyURI(videoID string, segmentIndex uint32) string {
	return fmt.Sprintf("%s/videos/%s/key/%d", b.keyBaseURL, videoID, segmentIndex)
}

// MediaPlaylist renders the closed (VOD) media playlist for a video. The
// segment list must cover exactly the registered segment count, in order.
func (b *Builder) MediaPlaylist(videoID string, segments []Segment) ([]byte, error) {
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	v, err := b.source.Video(videoID)
	if err != nil {
		return nil, fmt.Errorf("playlist: %w", err)
	}
	if uint32(len(segments)) != v.TotalSegments {
		return nil, fmt.Errorf("%w: got %d, registered %d", ErrCountMismatch, len(segments), v.TotalSegments)
	}

	p, err := m3u8.NewMediaPlaylist(uint(len(segments)), uint(len(segments)))
	if err != nil {
		return nil, fmt.Errorf("playlist: %w", err)
	}

	for i, seg := range segments {
		if err := p.Append(seg.URI, seg.Duration, seg.Title); err != nil {
			return nil, fmt.Errorf("playlist: append segment %d: %w", i, err)
		}
		iv, err := b.source.SegmentIV(videoID, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("playlist: derive iv for segment %d: %w", i, err)
		}
		keyURI := b.KeyURI(videoID, uint32(i))
		if err := p.SetKey(encryptMethod, keyURI, "0x"+hex.EncodeToString(iv), "", ""); err != nil {
			return nil, fmt.Errorf("playlist: set key for segment %d: %w", i, err)
		}
	}

	p.Close()
	return p.Encode().Bytes(), nil
}
